package store

import (
	"context"
	"errors"
)

// ErrInvalidKey is returned for storage keys that are empty or contain path
// separators.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage is durable whole-value string storage, modeled on browser local
// storage: every write replaces the full value under a key.
type Storage interface {
	// GetItem returns the value under key and whether it exists.
	GetItem(ctx context.Context, key string) (string, bool, error)

	// SetItem replaces the value under key.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error
}

var (
	_ Storage = (*DB)(nil)
	_ Storage = (*FileStorage)(nil)
)
