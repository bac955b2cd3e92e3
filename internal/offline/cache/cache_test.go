package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/store"
)

type workout struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func setupLayer(t *testing.T, db *store.DB, online *atomic.Bool, version int) *Layer {
	t.Helper()
	opts := Options{
		Version: version,
		Logger:  log.New(io.Discard, "", 0),
	}
	if online != nil {
		opts.Online = online.Load
	}
	l, err := New(db, opts)
	if err != nil {
		t.Fatalf("Failed to create cache layer: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestNew_NilBackend(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("expected error for nil backend")
	}
}

func TestCacheData_RoundTrip(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()

	want := []workout{{ID: "w1", Name: "Leg day"}}
	if err := l.CacheData(ctx, "workouts:c1", want, 0); err != nil {
		t.Fatalf("CacheData() error = %v", err)
	}

	got, ok, err := Get[[]workout](ctx, l, "workouts:c1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	if _, ok, _ := Get[[]workout](ctx, l, "missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
}

func TestVersionGate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	v1 := setupLayer(t, db, nil, 1)
	if err := v1.CacheData(ctx, "profile:c1", workout{ID: "p"}, time.Hour); err != nil {
		t.Fatal(err)
	}

	v2 := setupLayer(t, db, nil, 2)
	if _, ok, err := Get[workout](ctx, v2, "profile:c1"); ok || err != nil {
		t.Errorf("Get() under new version = %v, %v; want miss", ok, err)
	}

	// The entry itself is still there and not expired.
	if _, ok, _ := db.GetCacheItem(ctx, "profile:c1"); !ok {
		t.Error("version mismatch must not delete the stored entry")
	}
	if _, ok, _ := Get[workout](ctx, v1, "profile:c1"); !ok {
		t.Error("original version should still read the entry")
	}
}

func TestCacheData_Expiry(t *testing.T) {
	db := setupTestDB(t)
	now := time.UnixMilli(1760443200000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	db.SetClock(clock)

	l := setupLayer(t, db, nil, 0)
	ctx := context.Background()
	_ = l.CacheData(ctx, "k", 1, time.Minute)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, ok, _ := Get[int](ctx, l, "k"); ok {
		t.Error("expired entry should miss")
	}
	n, err := l.Prune(ctx)
	if err != nil || n != 1 {
		t.Errorf("Prune() = %d, %v; want 1, nil", n, err)
	}
}

func TestFetch_Offline(t *testing.T) {
	online := &atomic.Bool{}
	l := setupLayer(t, setupTestDB(t), online, 0)
	ctx := context.Background()

	calls := 0
	fetcher := func(context.Context) (string, error) {
		calls++
		return "remote", nil
	}

	res := Fetch(ctx, l, "k", fetcher, FetchOptions{})
	if res.Found || calls != 0 {
		t.Errorf("offline cold fetch = %+v, calls = %d; want not found, no calls", res, calls)
	}

	_ = l.CacheData(ctx, "k", "cached", 0)
	res = Fetch(ctx, l, "k", fetcher, FetchOptions{StaleWhileRevalidate: true})
	if !res.Found || !res.FromCache || res.Fresh || res.Data != "cached" {
		t.Errorf("offline warm fetch = %+v", res)
	}
	l.Wait()
	if calls != 0 {
		t.Errorf("fetcher called %d times while offline", calls)
	}
}

func TestFetch_StaleWhileRevalidate(t *testing.T) {
	online := &atomic.Bool{}
	online.Store(true)
	l := setupLayer(t, setupTestDB(t), online, 0)
	ctx := context.Background()

	_ = l.CacheData(ctx, "classes:today", "old", 0)

	var calls atomic.Int32
	fetcher := func(context.Context) (string, error) {
		calls.Add(1)
		return "new", nil
	}

	res := Fetch(ctx, l, "classes:today", fetcher, FetchOptions{StaleWhileRevalidate: true})
	if res.Data != "old" || !res.FromCache || res.Fresh {
		t.Errorf("first fetch = %+v, want cached old value", res)
	}

	l.Wait()
	if calls.Load() != 1 {
		t.Errorf("background fetch calls = %d, want 1", calls.Load())
	}

	res = Fetch(ctx, l, "classes:today", fetcher, FetchOptions{StaleWhileRevalidate: true})
	if res.Data != "new" || !res.FromCache {
		t.Errorf("second fetch = %+v, want refreshed value from cache", res)
	}
	l.Wait()
}

func TestFetch_StaleWhileRevalidate_ColdRunsNow(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()

	res := Fetch(ctx, l, "k", func(context.Context) (int, error) { return 7, nil }, FetchOptions{StaleWhileRevalidate: true})
	if !res.Fresh || res.FromCache || res.Data != 7 {
		t.Errorf("cold SWR fetch = %+v, want fresh 7", res)
	}
	if v, ok, _ := Get[int](ctx, l, "k"); !ok || v != 7 {
		t.Errorf("fetched value not cached: %v, %v", v, ok)
	}
}

func TestFetch_FailureFallsBack(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()
	errDown := errors.New("service unavailable")
	failing := func(context.Context) (string, error) { return "", errDown }

	res := Fetch(ctx, l, "k", failing, FetchOptions{})
	if res.Found || res.FromCache || !res.CachedAt.IsZero() || !errors.Is(res.Err, errDown) {
		t.Errorf("cold failing fetch = %+v, want not found and not from cache", res)
	}

	_ = l.CacheData(ctx, "k", "stale", 0)
	res = Fetch(ctx, l, "k", failing, FetchOptions{})
	if !res.Found || !res.FromCache || res.Fresh || res.Data != "stale" || !errors.Is(res.Err, errDown) {
		t.Errorf("warm failing fetch = %+v", res)
	}
}

func TestFetch_OfflineMissIsNotFromCache(t *testing.T) {
	online := &atomic.Bool{}
	l := setupLayer(t, setupTestDB(t), online, 0)

	called := false
	res := Fetch(context.Background(), l, "missing", func(context.Context) (string, error) {
		called = true
		return "x", nil
	}, FetchOptions{})
	if called {
		t.Error("fetcher must not run offline")
	}
	if res.Found || res.FromCache || res.Fresh {
		t.Errorf("offline miss = %+v, want nothing found", res)
	}
}

func TestFetch_BackgroundFailureKeepsCache(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()

	_ = l.CacheData(ctx, "k", "kept", 0)
	res := Fetch(ctx, l, "k", func(context.Context) (string, error) {
		return "", errors.New("boom")
	}, FetchOptions{StaleWhileRevalidate: true})
	if res.Err != nil {
		t.Errorf("background errors must not reach the caller: %v", res.Err)
	}
	l.Wait()

	if v, _, _ := Get[string](ctx, l, "k"); v != "kept" {
		t.Errorf("cache = %q, want kept", v)
	}
}

func TestFetch_RevalidationsCollapse(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()
	_ = l.CacheData(ctx, "k", 0, 0)

	release := make(chan struct{})
	var calls atomic.Int32
	fetcher := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	for i := 0; i < 5; i++ {
		Fetch(ctx, l, "k", fetcher, FetchOptions{StaleWhileRevalidate: true})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	l.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want concurrent refreshes collapsed into 1", n)
	}
}

func TestClose_CancelsRevalidation(t *testing.T) {
	db := setupTestDB(t)
	l, err := New(db, Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = l.CacheData(ctx, "k", "v", 0)

	Fetch(ctx, l, "k", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, FetchOptions{StaleWhileRevalidate: true})

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the background fetch")
	}

	// After Close, refreshes are not started but reads still work.
	res := Fetch(ctx, l, "k", func(context.Context) (string, error) {
		t.Error("fetcher must not run after Close")
		return "", nil
	}, FetchOptions{StaleWhileRevalidate: true})
	if res.Data != "v" {
		t.Errorf("read after Close = %+v", res)
	}
}

func TestStats(t *testing.T) {
	l := setupLayer(t, setupTestDB(t), nil, 0)
	ctx := context.Background()
	_ = l.CacheData(ctx, "a", 1, 0)
	_ = l.CacheData(ctx, "b", 2, 0)

	stats, err := l.Stats(ctx)
	if err != nil || stats.Entries != 2 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}
}
