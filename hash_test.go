package remotedata

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 of the empty input
	h := HashBytes(nil)
	require.Equal(t, "blake3:af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", h.String())
	require.Equal(t, "af1349b9f5f9", h.Short())
}

func TestHashVerify(t *testing.T) {
	h := HashBytes([]byte("cached body"))
	require.NoError(t, h.Verify([]byte("cached body")))

	err := h.Verify([]byte("tampered body"))
	require.ErrorIs(t, err, ErrHashMismatch)
	require.Contains(t, err.Error(), h.Short())
}

func TestParseHash(t *testing.T) {
	want := HashBytes([]byte("parse me"))

	got, err := ParseHash(want.String())
	require.NoError(t, err)
	require.Equal(t, want, got)

	digits := strings.TrimPrefix(want.String(), "blake3:")
	tests := map[string]string{
		"no prefix":    digits,
		"wrong prefix": "sha256:" + digits,
		"short":        "blake3:abc123",
		"long":         "blake3:" + digits + "00",
		"not hex":      "blake3:" + strings.Repeat("zz", 32),
		"empty":        "",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHash(input)
			require.ErrorIs(t, err, ErrInvalidHash)
		})
	}
}

func TestHashJSON(t *testing.T) {
	type doc struct {
		Hash Hash `json:"hash"`
	}
	in := doc{Hash: HashBytes([]byte("json"))}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"blake3:`)

	var out doc
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)

	require.Error(t, json.Unmarshal([]byte(`{"hash":"nope"}`), &out))
}

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("https://example.com/a.png"))
	require.ErrorIs(t, ValidateKey(""), ErrInvalidKey)
	require.ErrorIs(t, ValidateKey("   "), ErrInvalidKey)
}
