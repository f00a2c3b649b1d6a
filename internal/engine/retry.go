package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/pkg/schema"
)

// RetryPolicy is the per-step dispatch retry configuration. Delays are
// fixed; there is no backoff growth.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// PolicyFor builds the retry policy of a step, clamping retries to
// [0, schema.MaxRetries].
func PolicyFor(step *schema.StepDefinition) RetryPolicy {
	return RetryPolicy{
		Retries: step.EffectiveRetries(),
		Delay:   step.RetryDelay.Std(),
	}
}

// MaxAttempts is the total number of dispatches allowed: 1 + retries.
func (p RetryPolicy) MaxAttempts() int {
	return 1 + p.Retries
}

// ShouldRetry reports whether a dispatch that failed with err on the given
// 1-based attempt should be dispatched again.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.MaxAttempts() && IsRetryableError(err)
}

// IsRetryableError classifies whether a dispatch error should be retried.
// Only transport failures qualify; a received response never does,
// whatever its status. Cancellation of the run is never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return transport.Retryable(err)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
