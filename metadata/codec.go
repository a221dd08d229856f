package metadata

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the encoded table size above which zstd is tried.
	compressionThreshold = 2048

	// maxTableSize caps the decompressed table size.
	maxTableSize = 64 * 1024 * 1024
)

// Format prefix written before the encoded table.
const (
	formatJSON byte = 0x00
	formatZstd byte = 0x01
)

var (
	// ErrCorruptTable is returned when a persisted table cannot be decoded.
	ErrCorruptTable = errors.New("metadata: corrupt table")
)

type table map[string]Record

// codec encodes the whole metadata table, compressing large tables.
// Encoder and decoder are safe for concurrent use.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxTableSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

func (c *codec) encode(t table) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata table: %w", err)
	}

	if len(data) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(data, []byte{formatZstd})
		if len(compressed) < len(data)+1 {
			return compressed, nil
		}
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, formatJSON)
	return append(out, data...), nil
}

func (c *codec) decode(raw []byte) (table, error) {
	if len(raw) == 0 {
		return table{}, nil
	}

	body := raw[1:]
	switch raw[0] {
	case formatJSON:
	case formatZstd:
		decompressed, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %v", ErrCorruptTable, err)
		}
		body = decompressed
	default:
		return nil, fmt.Errorf("%w: unknown format 0x%02x", ErrCorruptTable, raw[0])
	}

	t := table{}
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTable, err)
	}
	return t, nil
}
