package cron

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether a failed run is attempted again within the same
// tick and how long to back off first. The zero value never retries.
type RetryPolicy struct {
	// MaxAttempts is the number of retries after the first failure.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay per retry; 0 means 2.
	Multiplier float64
	// Jitter spreads each delay by up to ±Jitter of its value, 0 ≤ Jitter < 1.
	Jitter float64
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ShouldRetry reports whether attempt (zero based) may be followed by
// another. NonRetryable errors and context cancellation stop at once; a
// SQLite "database is locked" is the typical retryable failure.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nr *nonRetryableError
	return !errors.As(err, &nr)
}

// NextDelay returns the backoff before retry number attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(max(attempt, 0)))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter > 0 && p.Jitter < 1 {
		delay *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(delay)
}

// Wait sleeps for NextDelay(attempt) or until ctx ends, returning ctx.Err()
// in the latter case.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.NextDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the scheduler does not retry it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}
