// Package cache is the read-through cache in front of the remote service.
//
// Values are stored in the embedded store wrapped in a versioned envelope:
//
//	{"data": <value>, "timestamp": 1760443200000, "version": 1}
//
// An entry whose version differs from the Layer's version reads as absent.
// Bumping CurrentVersion therefore invalidates every cached value at once;
// old entries are not migrated and are simply overwritten on the next fetch.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// CurrentVersion is the envelope version written by this build.
const CurrentVersion = 1

// Backend is the persistence primitive behind the Layer. *store.DB
// implements it.
type Backend interface {
	SetCacheItem(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetCacheItem(ctx context.Context, key string) ([]byte, bool, error)
	ClearExpiredCache(ctx context.Context) (int, error)
	GetCacheStats(ctx context.Context) (store.CacheStats, error)
}

var _ Backend = (*store.DB)(nil)

// Entry is the stored envelope.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   int             `json:"version"`
}

// StoredAt returns Timestamp as a time.Time.
func (e Entry) StoredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Options configures a Layer. The zero value is usable.
type Options struct {
	// Version defaults to CurrentVersion.
	Version int

	// Online reports connectivity. Nil means always online.
	Online func() bool

	// DefaultTTL applies when CacheData or Fetch get a zero ttl. Zero
	// means entries never expire.
	DefaultTTL time.Duration

	Logger  *log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Layer is the versioned cache with stale-while-revalidate reads.
type Layer struct {
	backend    Backend
	version    int
	online     func() bool
	defaultTTL time.Duration
	logger     *log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// Background revalidations live until Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu     sync.Mutex
	closed bool
}

// New creates a Layer over backend.
func New(backend Backend, opts Options) (*Layer, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache backend cannot be nil")
	}
	if opts.Version == 0 {
		opts.Version = CurrentVersion
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		backend:    backend,
		version:    opts.Version,
		online:     opts.Online,
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Version returns the envelope version this Layer reads and writes.
func (l *Layer) Version() int {
	return l.version
}

// CacheData stores v under key. A zero ttl uses the default TTL.
func (l *Layer) CacheData(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value %s: %w", key, err)
	}

	entry, err := json.Marshal(Entry{
		Data:      data,
		Timestamp: l.now().UnixMilli(),
		Version:   l.version,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}

	if ttl == 0 {
		ttl = l.defaultTTL
	}
	return l.backend.SetCacheItem(ctx, key, entry, ttl)
}

// Entry returns the raw envelope under key. Version mismatches and
// undecodable entries read as absent.
func (l *Layer) Entry(ctx context.Context, key string) (Entry, bool, error) {
	raw, ok, err := l.backend.GetCacheItem(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		l.logger.Printf("WARNING: Ignoring undecodable cache entry %s: %v", key, err)
		return Entry{}, false, nil
	}
	if e.Version != l.version {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// GetCachedData decodes the value under key into out.
func (l *Layer) GetCachedData(ctx context.Context, key string, out any) (bool, error) {
	e, ok, err := l.Entry(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		l.metrics.RecordCache(metrics.CacheMiss)
		return false, nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return false, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	l.metrics.RecordCache(metrics.CacheHit)
	return true, nil
}

// Get is the typed form of GetCachedData.
func Get[T any](ctx context.Context, l *Layer, key string) (T, bool, error) {
	var v T
	ok, err := l.GetCachedData(ctx, key, &v)
	return v, ok, err
}

// Prune deletes expired entries from the backend.
func (l *Layer) Prune(ctx context.Context) (int, error) {
	n, err := l.backend.ClearExpiredCache(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return n, nil
}

// Stats returns the backend's statistics.
func (l *Layer) Stats(ctx context.Context) (store.CacheStats, error) {
	return l.backend.GetCacheStats(ctx)
}

// Wait blocks until no background revalidation is running.
func (l *Layer) Wait() {
	l.wg.Wait()
}

// Close cancels background revalidations and waits for them to return.
func (l *Layer) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// goBackground runs fn tied to the Layer lifetime. Returns false after Close.
func (l *Layer) goBackground(fn func(ctx context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(l.ctx)
	}()
	return true
}
