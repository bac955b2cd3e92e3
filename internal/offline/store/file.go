package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStorage keeps each key in its own file, <dir>/<key>.json.
//
// Writes go to a temp file in the same directory followed by a rename, so a
// reader never observes a partially written value.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed and returns a FileStorage
// rooted at dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (fs *FileStorage) Dir() string {
	return fs.dir
}

// PathFor returns the file that holds key.
func (fs *FileStorage) PathFor(key string) string {
	return filepath.Join(fs.dir, key+".json")
}

// KeyFor maps a file path back to its key. ok is false for files that are
// not storage values (temp files, other extensions, other directories).
func (fs *FileStorage) KeyFor(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(fs.dir) {
		return "", false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// GetItem implements Storage.GetItem.
func (fs *FileStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	if err := validKey(key); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(fs.PathFor(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read item %s: %w", key, err)
	}
	return string(data), true, nil
}

// SetItem implements Storage.SetItem.
func (fs *FileStorage) SetItem(_ context.Context, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write item %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync item %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close item %s: %w", key, err)
	}

	if err := os.Rename(tmpName, fs.PathFor(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace item %s: %w", key, err)
	}
	return nil
}

// RemoveItem implements Storage.RemoveItem.
func (fs *FileStorage) RemoveItem(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(fs.PathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove item %s: %w", key, err)
	}
	return nil
}
