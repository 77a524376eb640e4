package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry executes fn with exponential backoff between attempts, up to
// maxAttempts. fn receives the 1-indexed attempt number. Context
// cancellation is checked before each attempt and during sleeps.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := SleepDelay(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}

	if lastErr != nil {
		return zero, lastErr
	}
	return zero, ErrMaxAttemptsExhausted
}

// Do is Retry for functions without a return value.
func Do(ctx context.Context, policy Policy, maxAttempts int, fn func() error) error {
	_, err := Retry(ctx, policy, maxAttempts, func(_ int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
