package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheStats summarizes the cache_entries table.
type CacheStats struct {
	Entries int   `json:"entries"`
	Expired int   `json:"expired"`
	Bytes   int64 `json:"bytes"`

	// Oldest and Newest are zero when the cache is empty.
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// SetCacheItem stores value under key, replacing any previous value.
// A ttl <= 0 means the entry never expires.
func (db *DB) SetCacheItem(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}

	now := db.nowMillis()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now + ttl.Milliseconds(), Valid: true}
	}

	query := `
	INSERT INTO cache_entries (key, value, stored_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		stored_at = excluded.stored_at,
		expires_at = excluded.expires_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, now, expiresAt); err != nil {
		return fmt.Errorf("failed to set cache item %s: %w", key, err)
	}
	return nil
}

// GetCacheItem returns the value stored under key. Expired entries are
// reported as absent but left in place for ClearExpiredCache.
func (db *DB) GetCacheItem(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullInt64

	err := db.conn.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache item %s: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= db.nowMillis() {
		return nil, false, nil
	}
	return value, true, nil
}

// DeleteCacheItem removes key. Returns nil if it doesn't exist.
func (db *DB) DeleteCacheItem(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache item %s: %w", key, err)
	}
	return nil
}

// ClearExpiredCache deletes every expired entry and returns how many were removed.
func (db *DB) ClearExpiredCache(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		db.nowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared cache entries: %w", err)
	}
	return int(n), nil
}

// GetCacheStats returns aggregate information about the cache.
func (db *DB) GetCacheStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	var oldest, newest sql.NullInt64

	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(LENGTH(value)), 0),
		MIN(stored_at),
		MAX(stored_at)
	FROM cache_entries
	`
	err := db.conn.QueryRowContext(ctx, query, db.nowMillis()).Scan(
		&stats.Entries,
		&stats.Expired,
		&stats.Bytes,
		&oldest,
		&newest,
	)
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to get cache stats: %w", err)
	}

	if oldest.Valid {
		stats.Oldest = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = time.UnixMilli(newest.Int64)
	}
	return stats, nil
}
