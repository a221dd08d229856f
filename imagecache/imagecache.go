// Package imagecache decodes cached or downloaded bytes into images and keeps
// the decoded results in a bounded in-memory cache.
package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"log/slog"
	"time"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/events"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/s3fifo"
	"github.com/wolfeidau/remotedata/telemetry"
)

// DefaultMaxMemoryBytes bounds the decoded image cache.
const DefaultMaxMemoryBytes = 64 * 1024 * 1024

// ErrUndecodable is returned when bytes are not a supported image.
var ErrUndecodable = errors.New("undecodable image")

// Image is a decoded image.
type Image struct {
	Key    string
	Image  image.Image
	Format string
	Width  int
	Height int
}

// Cost is the in-memory footprint charged against MaxMemoryBytes.
func (i *Image) Cost() int64 {
	return int64(i.Width) * int64(i.Height) * 4
}

// Source supplies image bytes. *download.Coordinator implements it.
type Source interface {
	Request(ctx context.Context, key string, cb download.Callback) []byte
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// MetadataWriter records decoded dimensions. *datacache.Cache implements it.
type MetadataWriter interface {
	SetMetadataFields(ctx context.Context, key string, fields map[string]metadata.Value)
}

// Config holds image cache configuration.
type Config struct {
	// MaxMemoryBytes bounds decoded images held in memory. Default 64 MiB.
	MaxMemoryBytes int64

	// Logger for decode failures.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		Logger:         slog.Default(),
	}
}

// Cache is a read-through image cache layered on a Source.
type Cache struct {
	src    Source
	meta   MetadataWriter
	bus    *events.Bus
	logger *slog.Logger

	mem   *s3fifo.Cache[string, *Image]
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithEvents publishes image_downloaded events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Cache) {
		c.bus = bus
	}
}

// New creates an image cache. meta may be nil.
func New(src Source, meta MetadataWriter, cfg Config, opts ...Option) *Cache {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		src:    src,
		meta:   meta,
		logger: cfg.Logger.With("component", "imagecache"),
		mem:    s3fifo.New[string, *Image](s3fifo.Config{MaxBytes: cfg.MaxMemoryBytes}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the image for key when it is in memory or its cached bytes
// decode; cb is not called in that case. Otherwise it returns nil and cb
// later receives the decoded image, or nil when the fetch or the decode
// fails, including a decode of bytes that were already cached. A nil cb only
// consults memory and the content cache.
func (c *Cache) Get(ctx context.Context, key string, cb func(*Image)) *Image {
	if img, ok := c.mem.Get(key); ok {
		return img
	}

	var onData download.Callback
	if cb != nil {
		onData = func(data []byte, err error) {
			if err != nil {
				c.logger.Debug("image fetch failed", "key", key, "error", err)
				cb(nil)
				return
			}
			img, err := c.decode(context.WithoutCancel(ctx), key, data)
			if err != nil {
				c.logger.Warn("image decode failed", "key", key, "error", err)
				cb(nil)
				return
			}
			cb(img)
		}
	}

	data := c.src.Request(ctx, key, onData)
	if data == nil {
		return nil
	}
	img, err := c.decode(ctx, key, data)
	if err != nil {
		c.logger.Warn("image decode failed", "key", key, "error", err)
		if cb != nil {
			go cb(nil)
		}
		return nil
	}
	return img
}

// Fetch is a blocking form of Get. It returns an error wrapping
// ErrUndecodable when the bytes are not a supported image.
func (c *Cache) Fetch(ctx context.Context, key string) (*Image, error) {
	if img, ok := c.mem.Get(key); ok {
		return img, nil
	}
	data, err := c.src.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.decode(ctx, key, data)
}

// Evict drops key from memory. It reports whether it was present.
func (c *Cache) Evict(key string) bool {
	return c.mem.Delete(key)
}

// Purge drops every decoded image.
func (c *Cache) Purge() {
	c.mem.Purge()
}

// Len returns the number of decoded images held.
func (c *Cache) Len() int {
	return c.mem.Len()
}

// Bytes returns the summed cost of decoded images held.
func (c *Cache) Bytes() int64 {
	return c.mem.Bytes()
}

// Stats returns the memory cache queue sizes.
func (c *Cache) Stats() s3fifo.Stats {
	return c.mem.Stats()
}

func (c *Cache) decode(ctx context.Context, key string, data []byte) (*Image, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		if img, ok := c.mem.Get(key); ok {
			return img, nil
		}

		start := time.Now()
		decoded, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			telemetry.RecordImageDecode(ctx, "", "error", time.Since(start))
			return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, key, err)
		}
		telemetry.RecordImageDecode(ctx, format, "success", time.Since(start))

		b := decoded.Bounds()
		img := &Image{
			Key:    key,
			Image:  decoded,
			Format: format,
			Width:  b.Dx(),
			Height: b.Dy(),
		}
		if !c.mem.Set(key, img, img.Cost()) {
			c.logger.Debug("image larger than memory budget", "key", key, "cost", img.Cost())
		}

		if c.meta != nil {
			c.meta.SetMetadataFields(ctx, key, map[string]metadata.Value{
				metadata.FieldImageWidth:  metadata.Int(int64(img.Width)),
				metadata.FieldImageHeight: metadata.Int(int64(img.Height)),
			})
		}
		c.bus.Publish(events.Event{Kind: events.ImageDownloaded, Key: key})
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}
