package errors

import (
	"context"
	"time"
)

// RetryPolicy defines attempt count and backoff shape for one error kind.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts (0 means no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the starting backoff duration.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum backoff duration.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64 `yaml:"multiplier"`

	// JitterPercent is the jitter percentage (0 disables jitter).
	JitterPercent float64 `yaml:"jitter_percent"`
}

// Do runs fn, retrying per the policy for the given kind. The first
// attempt always runs; retries stop on success, on a non-matching error
// kind, or when the context ends. The last error is returned.
func Do(ctx context.Context, kind Kind, fn func() error) error {
	policy := RetryPolicyFor(kind)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			break
		}
		if GetKind(lastErr) == KindCancellation {
			return lastErr
		}

		delay := AddJitter(CalculateDelay(attempt, policy), policy.JitterPercent)
		if err := waitBeforeRetry(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// waitBeforeRetry waits for the specified delay or returns if context is cancelled.
func waitBeforeRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
