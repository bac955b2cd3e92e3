package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupTestDB opens a fresh database in a temp dir with the schema created.
func setupTestDB(t *testing.T) (*DB, *fakeClock) {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	clock := &fakeClock{now: time.UnixMilli(1760443200000)}
	db.SetClock(clock.Now)
	return db, clock
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db, _ := setupTestDB(t)
	for i := 0; i < 3; i++ {
		if err := db.InitSchema(); err != nil {
			t.Fatalf("InitSchema() call %d error = %v", i, err)
		}
	}
}

func TestCacheItem_SetGet(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	if err := db.SetCacheItem(ctx, "workouts:c1", []byte(`{"a":1}`), 0); err != nil {
		t.Fatalf("SetCacheItem() error = %v", err)
	}

	got, ok, err := db.GetCacheItem(ctx, "workouts:c1")
	if err != nil || !ok {
		t.Fatalf("GetCacheItem() = %v, %v, %v", got, ok, err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("GetCacheItem() = %s, want {\"a\":1}", got)
	}

	// Overwrite replaces.
	if err := db.SetCacheItem(ctx, "workouts:c1", []byte(`{"a":2}`), 0); err != nil {
		t.Fatalf("SetCacheItem() overwrite error = %v", err)
	}
	got, _, _ = db.GetCacheItem(ctx, "workouts:c1")
	if string(got) != `{"a":2}` {
		t.Errorf("after overwrite = %s, want {\"a\":2}", got)
	}

	if _, ok, err := db.GetCacheItem(ctx, "missing"); ok || err != nil {
		t.Errorf("GetCacheItem(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := db.SetCacheItem(ctx, "", []byte("x"), 0); err == nil {
		t.Error("SetCacheItem with empty key expected error")
	}
}

func TestCacheItem_Expiry(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	if err := db.SetCacheItem(ctx, "short", []byte("1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCacheItem(ctx, "forever", []byte("2"), 0); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := db.GetCacheItem(ctx, "short"); !ok {
		t.Fatal("entry should be readable before ttl")
	}

	clock.Advance(2 * time.Minute)

	if _, ok, _ := db.GetCacheItem(ctx, "short"); ok {
		t.Error("expired entry should read as absent")
	}
	if _, ok, _ := db.GetCacheItem(ctx, "forever"); !ok {
		t.Error("entry without ttl should not expire")
	}

	stats, err := db.GetCacheStats(ctx)
	if err != nil {
		t.Fatalf("GetCacheStats() error = %v", err)
	}
	if stats.Entries != 2 || stats.Expired != 1 {
		t.Errorf("stats = %+v, want 2 entries / 1 expired (expired rows are kept until cleared)", stats)
	}

	n, err := db.ClearExpiredCache(ctx)
	if err != nil {
		t.Fatalf("ClearExpiredCache() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ClearExpiredCache() = %d, want 1", n)
	}

	stats, _ = db.GetCacheStats(ctx)
	if stats.Entries != 1 || stats.Expired != 0 {
		t.Errorf("stats after clear = %+v, want 1 entry / 0 expired", stats)
	}
}

func TestGetCacheStats(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	stats, err := db.GetCacheStats(ctx)
	if err != nil {
		t.Fatalf("GetCacheStats() on empty db error = %v", err)
	}
	if stats.Entries != 0 || !stats.Oldest.IsZero() {
		t.Errorf("empty stats = %+v", stats)
	}

	first := clock.Now()
	_ = db.SetCacheItem(ctx, "a", []byte("12345"), 0)
	clock.Advance(time.Second)
	_ = db.SetCacheItem(ctx, "b", []byte("678"), 0)

	stats, _ = db.GetCacheStats(ctx)
	if stats.Entries != 2 || stats.Bytes != 8 {
		t.Errorf("stats = %+v, want 2 entries, 8 bytes", stats)
	}
	if !stats.Oldest.Equal(first) || !stats.Newest.Equal(first.Add(time.Second)) {
		t.Errorf("oldest/newest = %v/%v", stats.Oldest, stats.Newest)
	}

	if err := db.DeleteCacheItem(ctx, "a"); err != nil {
		t.Fatalf("DeleteCacheItem() error = %v", err)
	}
	if err := db.DeleteCacheItem(ctx, "a"); err != nil {
		t.Fatalf("DeleteCacheItem() second call should be idempotent: %v", err)
	}
}

// storageContract runs the same checks against every Storage implementation.
func storageContract(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, "pending_operations"); ok || err != nil {
		t.Fatalf("GetItem(missing) = %v, %v; want false, nil", ok, err)
	}

	if err := s.SetItem(ctx, "pending_operations", `[{"id":"a"}]`); err != nil {
		t.Fatalf("SetItem() error = %v", err)
	}
	v, ok, err := s.GetItem(ctx, "pending_operations")
	if err != nil || !ok || v != `[{"id":"a"}]` {
		t.Fatalf("GetItem() = %q, %v, %v", v, ok, err)
	}

	if err := s.SetItem(ctx, "pending_operations", `[]`); err != nil {
		t.Fatalf("SetItem() replace error = %v", err)
	}
	v, _, _ = s.GetItem(ctx, "pending_operations")
	if v != `[]` {
		t.Errorf("after replace = %q, want []", v)
	}

	if err := s.RemoveItem(ctx, "pending_operations"); err != nil {
		t.Fatalf("RemoveItem() error = %v", err)
	}
	if _, ok, _ := s.GetItem(ctx, "pending_operations"); ok {
		t.Error("item still present after RemoveItem")
	}
	if err := s.RemoveItem(ctx, "pending_operations"); err != nil {
		t.Errorf("RemoveItem(missing) error = %v", err)
	}

	if err := s.SetItem(ctx, "", "x"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("SetItem(empty key) error = %v, want ErrInvalidKey", err)
	}
}

func TestDB_Storage(t *testing.T) {
	db, _ := setupTestDB(t)
	storageContract(t, db)
}

func TestFileStorage(t *testing.T) {
	fs, err := NewFileStorage(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("NewFileStorage() error = %v", err)
	}
	storageContract(t, fs)

	ctx := context.Background()
	for _, key := range []string{"../escape", "a/b", ".hidden"} {
		if err := fs.SetItem(ctx, key, "x"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("SetItem(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestFileStorage_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := fs.SetItem(context.Background(), "pending_operations", "[]"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "pending_operations.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want only pending_operations.json", names)
	}
}

func TestFileStorage_KeyFor(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStorage(dir)

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{filepath.Join(dir, "pending_operations.json"), "pending_operations", true},
		{filepath.Join(dir, ".pending_operations.123.tmp"), "", false},
		{filepath.Join(dir, "notes.txt"), "", false},
		{filepath.Join(dir, "sub", "x.json"), "", false},
	}
	for _, tt := range tests {
		got, ok := fs.KeyFor(tt.path)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("KeyFor(%s) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewFileStorage_EmptyDir(t *testing.T) {
	if _, err := NewFileStorage(""); err == nil {
		t.Error("expected error for empty dir")
	}
}
