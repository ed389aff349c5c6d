// Package resilience wraps cross-component calls with circuit breaking,
// bounded retry, per-call timeouts, response caching, and request batching.
package resilience

import (
	"context"
	"errors"
)

// ErrTimeout marks a call that exceeded its per-attempt deadline. Timeouts
// are retryable and count as failures toward the breaker threshold.
var ErrTimeout = errors.New("component call timed out")

// TransientError marks a failure the caller expects to clear on retry
// (connection resets, overload shedding, lock contention). Permanent
// failures are returned bare and never retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether the dispatcher should retry the call.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
