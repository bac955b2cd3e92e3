package queue

import (
	"context"
	"time"
)

const (
	// DefaultBaseBackoff is the delay unit: an item with retry count n waits
	// base·2^n before its next attempt.
	DefaultBaseBackoff = time.Second

	// DefaultMaxBackoff caps the per-item delay.
	DefaultMaxBackoff = 30 * time.Second

	// MaxRetries is the retry ceiling. An operation that has failed this
	// many times is dropped.
	MaxRetries = 5

	// DefaultDebounce is the TriggerSync coalescing window.
	DefaultDebounce = 1500 * time.Millisecond
)

// BackoffDelay returns min(1s·2^n, 30s).
func BackoffDelay(retryCount int) time.Duration {
	return backoff(retryCount, DefaultBaseBackoff, DefaultMaxBackoff)
}

func backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 30 {
		return max
	}
	d := base << uint(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
