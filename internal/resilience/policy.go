// Package resilience defines the retry policy and error taxonomy for
// talking to the rate-limited price endpoint.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry behavior: exponential backoff with additive
// uniform jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first
	// try). A value of 1 means no retries. Default: 6.
	MaxAttempts int

	// BaseDelay is the backoff base for the first retry; it doubles on
	// every further attempt. Default: 2s.
	BaseDelay time.Duration

	// MaxDelay caps both the doubled base and the jittered total.
	// Default: 60s.
	MaxDelay time.Duration

	// JitterLow and JitterHigh bound the additive jitter, as fractions
	// of the capped base. Defaults: 0.25 and 0.75.
	JitterLow  float64
	JitterHigh float64
}

// DefaultPolicy returns the policy used against the price endpoint.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 6,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		JitterLow:   0.25,
		JitterHigh:  0.75,
	}
}

// Backoff returns the pause after a failed attempt. Attempts are
// 1-indexed: attempt 1 yields BaseDelay plus jitter, and the base
// doubles each attempt after that. The returned duration never
// exceeds MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	jitter := (p.JitterLow + rand.Float64()*(p.JitterHigh-p.JitterLow)) * base
	total := base + jitter
	if total > float64(p.MaxDelay) {
		total = float64(p.MaxDelay)
	}
	if total < 0 {
		total = 0
	}
	return time.Duration(total)
}

// Sleep waits for d unless the context ends first, in which case the
// context error is returned.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
