package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// TransientError wraps a failure that is safe to retry: a server or
// transport fault, or a retryable status outside the special cases.
type TransientError struct {
	Err        error
	StatusCode int // 0 for transport-level failures
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError is a 429 response. RetryAfter is set only when the
// response carried a well-formed non-negative integer Retry-After
// header; otherwise the caller falls back to computed backoff.
type RateLimitError struct {
	RetryAfter *time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("rate limited (retry after %s)", *e.RetryAfter)
	}
	return "rate limited"
}

// FatalError marks a failure retrying cannot fix: a rejected session
// (401), an undiscoverable token, or a malformed response body.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) *FatalError {
	return &FatalError{Err: err}
}

// ExhaustedError reports that every attempt failed. Last is the cause
// of the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsTransient reports whether the error chain contains a
// TransientError or a network-level fault worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// IsFatal reports whether the error chain contains a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryAfterOf extracts the server-mandated wait from a rate-limit
// error in the chain, if one was given.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter != nil {
		return *rle.RetryAfter, true
	}
	return 0, false
}
