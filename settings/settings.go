// Package settings provides a flat key/value store used to persist small
// serialized tables such as the metadata index.
package settings

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("settings: key not found")

// Store is a flat key to value persistence layer.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
