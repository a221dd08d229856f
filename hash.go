// Package remotedata holds the primitives shared by the cache layers: content
// digests and cache key validation.
package remotedata

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// hashPrefix tags stored digests with their algorithm.
const hashPrefix = "blake3:"

// ErrInvalidHash is returned by ParseHash for malformed digests.
var ErrInvalidHash = errors.New("invalid content hash")

// ErrHashMismatch is returned by Verify when content does not match.
var ErrHashMismatch = errors.New("content hash mismatch")

// Hash is the BLAKE3-256 digest of a content blob.
type Hash [32]byte

// HashBytes digests data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseHash parses the form produced by String, "blake3:" followed by 64 hex
// digits.
func ParseHash(s string) (Hash, error) {
	var h Hash
	digits, ok := strings.CutPrefix(s, hashPrefix)
	if !ok {
		return h, fmt.Errorf("%w: missing %q prefix", ErrInvalidHash, hashPrefix)
	}
	if len(digits) != hex.EncodedLen(len(h)) {
		return h, fmt.Errorf("%w: want %d hex digits, got %d", ErrInvalidHash, hex.EncodedLen(len(h)), len(digits))
	}
	if _, err := hex.Decode(h[:], []byte(digits)); err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

func (h Hash) String() string {
	return hashPrefix + hex.EncodeToString(h[:])
}

// Short is the first 12 hex digits, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// Verify returns ErrHashMismatch unless data digests to h.
func (h Hash) Verify(data []byte) error {
	if got := HashBytes(data); got != h {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, h.Short(), got.Short())
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
