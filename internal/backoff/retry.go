package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Options controls Retry.
type Options struct {
	Policy      Policy
	MaxAttempts int

	// ShouldRetry classifies an error. Nil retries every error.
	ShouldRetry func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry executes fn with exponential backoff between failed attempts.
//
// The fn function receives the current attempt number (1-indexed). An error
// that ShouldRetry rejects is returned immediately and unwrapped. When every
// attempt fails the returned error wraps both ErrMaxAttemptsExhausted and the
// last failure. Context cancellation is checked before each attempt and
// interrupts the backoff sleep.
func Retry[T any](ctx context.Context, opts Options, fn func(ctx context.Context, attempt int) (T, error)) (RetryResult[T], error) {
	var result RetryResult[T]

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return result, err
		}

		if attempt < opts.MaxAttempts {
			delay := Delay(opts.Policy, attempt)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, err, delay)
			}
			if err := SleepWithContext(ctx, delay); err != nil {
				return result, err
			}
		}
	}

	if result.LastError == nil {
		return result, ErrMaxAttemptsExhausted
	}
	return result, fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, result.LastError)
}
