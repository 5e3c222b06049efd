// Package retry provides a bounded retry combinator shared by the auth gate
// and the deployment manager.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once all attempts are used.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy configures Do.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int

	// Backoff returns the wait before attempt n+1 given the error of
	// attempt n (1-based). Nil means no wait.
	Backoff func(attempt int, err error) time.Duration

	// IsRetryable decides whether err warrants another attempt.
	// Nil retries every error.
	IsRetryable func(err error) bool

	// BeforeRetry runs after the backoff and before the next attempt.
	// A non-nil error stops the loop and is returned joined with the
	// operation error.
	BeforeRetry func(ctx context.Context, attempt int, err error) error

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Constant returns a Backoff that always waits d.
func Constant(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// Outcome reports how Do finished.
type Outcome struct {
	Attempts int
	// Retried is true when at least one retry ran.
	Retried bool
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// policy's attempts are spent. op receives the 1-based attempt number.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) (Outcome, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var out Outcome
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return out, nil
		}
		if policy.IsRetryable != nil && !policy.IsRetryable(lastErr) {
			return out, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if policy.Backoff != nil {
			if d := policy.Backoff(attempt, lastErr); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return out, fmt.Errorf("retry canceled: %w", errors.Join(err, lastErr))
				}
			}
		}
		if policy.BeforeRetry != nil {
			if err := policy.BeforeRetry(ctx, attempt, lastErr); err != nil {
				return out, errors.Join(lastErr, err)
			}
		}
		out.Retried = true
	}

	if maxAttempts == 1 {
		return out, lastErr
	}
	return out, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, out.Attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
