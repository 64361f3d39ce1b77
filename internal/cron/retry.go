package cron

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff retry for transient failures.
type RetryConfig struct {
	MaxRetries int           // max retry attempts (default 3, 0 = no retry)
	BaseDelay  time.Duration // initial backoff delay (default 100ms)
	MaxDelay   time.Duration // maximum backoff delay (default 2s)

	// Retryable reports whether err is worth another attempt. Nil retries every error.
	Retryable func(err error) bool
}

// DefaultRetryConfig returns sensible defaults for store writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// IsZero reports whether no field of c is set.
func (c RetryConfig) IsZero() bool {
	return c.MaxRetries == 0 && c.BaseDelay == 0 && c.MaxDelay == 0 && c.Retryable == nil
}

// ExecuteWithRetry runs fn, retrying on error with exponential backoff + jitter.
// Returns the first successful result or the last error after all retries.
// A cancelled ctx stops the retry loop early with the last error seen.
func ExecuteWithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), cfg RetryConfig) (result T, attempts int, err error) {
	var zero T
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, attempt + 1, err
		}

		if attempt < cfg.MaxRetries {
			timer := time.NewTimer(backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempt + 1, err
			case <-timer.C:
			}
		}
	}
	return zero, cfg.MaxRetries + 1, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt) // base * 2^attempt
	if delay > max || delay <= 0 {
		delay = max
	}

	// Jitter: ±25% of delay
	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
