package retry

import (
	"context"
	"time"
)

// Config controls the retry behaviour of [Do].
type Config struct {
	// MaxAttempts is the maximum number of times fn is called (including the
	// first attempt). Values ≤ 1 mean no retries. Ignored when Forever is
	// set.
	MaxAttempts int

	// Forever retries until fn succeeds or ctx is done. Used by the
	// invalidation subscriber's reconnect loop.
	Forever bool

	// BaseDelay is the delay before the first retry. Subsequent retries use
	// exponential back-off: BaseDelay * 2^attempt.
	BaseDelay time.Duration

	// MaxDelay caps the computed back-off delay.
	MaxDelay time.Duration

	// Jitter adds randomness to the delay. A value of 0.2 means ±20 % of
	// the computed delay. Zero disables jitter.
	Jitter float64

	// Retryable reports whether an error is worth another attempt. A nil
	// predicate treats every error as retryable.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, the attempt budget is exhausted, the error
// is classified non-retryable, or ctx is done. Between attempts an
// exponential back-off delay (with optional jitter) is applied.
//
// The context is checked before every retry; if ctx is done the function
// returns immediately with the context error.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	for i := 0; ; i++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if !cfg.Forever && i >= attempts-1 {
			return zero, err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}

		// Wait with back-off, but respect context cancellation.
		timer := time.NewTimer(backoff(cfg, i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
