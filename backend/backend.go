// Package backend provides the storage abstraction under the disk store.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten. Readers never observe a
	// partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Entry describes a stored value.
type Entry struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// LocalBackend extends Backend with the metadata the disk store needs for
// recency-based eviction.
type LocalBackend interface {
	Backend

	// Stat returns the entry for key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Entry, error)

	// Entries returns every entry under prefix with its size and
	// modification time.
	Entries(ctx context.Context, prefix string) ([]Entry, error)

	// Touch sets the modification time of key.
	// Returns ErrNotFound if the key does not exist.
	Touch(ctx context.Context, key string, t time.Time) error

	// Reset deletes everything and recreates an empty root.
	Reset(ctx context.Context) error
}
