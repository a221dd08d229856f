package remotedata

import (
	"errors"
	"strings"
)

// ErrInvalidKey is returned when a cache key is empty or only whitespace.
var ErrInvalidKey = errors.New("invalid cache key")

// ValidateKey checks that key can identify a cache entry. Keys are opaque, so
// the only requirement is that they carry some content.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
