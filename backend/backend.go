// Package backend provides the filesystem collaborator used by the content cache.
//
// Entries live directly under a single root directory and are addressed by
// a plain file name; names containing path separators are rejected.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a name does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid entry name")
)

// Backend defines the storage operations the content cache needs.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data under name, replacing any existing entry.
	Write(ctx context.Context, name string, r io.Reader) error

	// Read retrieves the entry stored under name.
	// Returns ErrNotFound if it does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes the entry stored under name.
	// Returns nil if it does not exist (idempotent).
	Delete(ctx context.Context, name string) error

	// Exists checks if an entry exists.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns the names of all entries under the root.
	List(ctx context.Context) ([]string, error)

	// Clear removes every entry and leaves the root empty.
	Clear(ctx context.Context) error
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the entry stored under name.
	// Returns ErrNotFound if it does not exist.
	Size(ctx context.Context, name string) (int64, error)
}
