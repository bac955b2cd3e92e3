package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/metrics"
)

// FetchOptions controls a Fetch.
type FetchOptions struct {
	// TTL for the value written after a successful fetch. Zero uses the
	// Layer's default.
	TTL time.Duration

	// StaleWhileRevalidate returns a cached value immediately and refreshes
	// it in the background.
	StaleWhileRevalidate bool
}

// Result is the outcome of a Fetch. It never carries a hard failure: when
// the fetcher fails, Err is set and Data is the cached fallback (if Found).
type Result[T any] struct {
	Data T

	// Found is false when there was neither a fresh nor a cached value.
	Found bool

	// FromCache is true when Data came from the cache.
	FromCache bool

	// Fresh is true when Data was just returned by the fetcher.
	Fresh bool

	// CachedAt is when the cached value was stored (zero if not from cache).
	CachedAt time.Time

	// Err is the fetcher error, if it ran and failed.
	Err error
}

// Fetcher loads the current value from the remote service.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Fetch reads key through the cache.
//
//   - Offline: the cached value (if any) is returned; fetcher is not called.
//   - Online with StaleWhileRevalidate and a cached value: the cached value
//     is returned and fetcher runs in the background, overwriting the
//     cache on success.
//   - Otherwise fetcher runs now. On success the value is cached and
//     returned fresh; on failure the cached value (if any) is returned.
func Fetch[T any](ctx context.Context, l *Layer, key string, fetcher Fetcher[T], opts FetchOptions) Result[T] {
	cached, hit := cachedResult[T](ctx, l, key)

	if !l.online() {
		if hit {
			l.metrics.RecordCache(metrics.CacheHit)
		} else {
			l.metrics.RecordCache(metrics.CacheMiss)
		}
		return cached
	}

	if opts.StaleWhileRevalidate && hit {
		l.metrics.RecordCache(metrics.CacheStale)
		l.revalidate(key, func(ctx context.Context) (any, error) { return fetcher(ctx) }, opts.TTL)
		return cached
	}

	v, err := fetcher(ctx)
	if err != nil {
		l.metrics.RecordCache(metrics.CacheFailed)
		l.logger.Printf("WARNING: Fetch of %s failed, serving cached value (found=%v): %v", key, hit, err)
		cached.Err = err
		return cached
	}

	if err := l.CacheData(ctx, key, v, opts.TTL); err != nil {
		l.logger.Printf("WARNING: Failed to cache %s: %v", key, err)
	}
	l.metrics.RecordCache(metrics.CacheFresh)
	return Result[T]{Data: v, Found: true, Fresh: true}
}

// cachedResult reads key as a not-fresh Result. FromCache is set only on a
// hit; backend and decode errors count as a miss.
func cachedResult[T any](ctx context.Context, l *Layer, key string) (Result[T], bool) {
	var res Result[T]

	e, ok, err := l.Entry(ctx, key)
	if err != nil {
		l.logger.Printf("WARNING: Failed to read cache %s: %v", key, err)
		return res, false
	}
	if !ok {
		return res, false
	}
	if err := json.Unmarshal(e.Data, &res.Data); err != nil {
		l.logger.Printf("WARNING: Failed to decode cached %s: %v", key, err)
		var zero T
		res.Data = zero
		return res, false
	}

	res.Found = true
	res.FromCache = true
	res.CachedAt = e.StoredAt()
	return res, true
}

// revalidate refreshes key in the background. Concurrent refreshes of the
// same key share one fetch.
func (l *Layer) revalidate(key string, fetch func(ctx context.Context) (any, error), ttl time.Duration) {
	started := l.goBackground(func(ctx context.Context) {
		_, err, _ := l.group.Do(key, func() (any, error) {
			v, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return nil, l.CacheData(ctx, key, v, ttl)
		})
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Printf("WARNING: Background refresh of %s failed: %v", key, err)
			}
			l.metrics.RecordRevalidation(false)
			return
		}
		l.metrics.RecordRevalidation(true)
	})
	if !started {
		l.logger.Printf("Skipping refresh of %s: cache is closed", key)
	}
}
