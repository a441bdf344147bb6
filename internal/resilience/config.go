package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a Policy. Unset values
// keep the defaults.
func FromRetryConfig(maxAttempts int, baseBackoffSecs, maxBackoffSecs, jitterLow, jitterHigh float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseBackoffSecs > 0 {
		p.BaseDelay = time.Duration(baseBackoffSecs * float64(time.Second))
	}
	if maxBackoffSecs > 0 {
		p.MaxDelay = time.Duration(maxBackoffSecs * float64(time.Second))
	}
	if jitterLow >= 0 {
		p.JitterLow = jitterLow
	}
	if jitterHigh > 0 {
		p.JitterHigh = jitterHigh
	}
	return p
}
