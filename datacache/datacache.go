// Package datacache stores downloaded content on disk keyed by cache key.
//
// Each key owns a metadata record whose generated filename names the content
// file under the backend root. Entries expire once the time since their last
// write exceeds the expiration interval; expiry is evaluated lazily on Get and
// in PurgeExpired, never on a timer.
//
// Disk failures are logged and absorbed: a failing read is a miss and a
// failing write leaves the cache without the entry.
package datacache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/remotedata"
	"github.com/wolfeidau/remotedata/backend"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/telemetry"
)

// DefaultExpirationInterval is the time-to-live applied since the last write.
const DefaultExpirationInterval = 30 * 24 * time.Hour

// Config holds content cache configuration.
type Config struct {
	// ExpirationInterval is how long an entry stays fresh after its last write.
	// Zero selects DefaultExpirationInterval. A negative value disables expiry.
	ExpirationInterval time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ExpirationInterval: DefaultExpirationInterval,
		Logger:             slog.Default(),
	}
}

// Cache is a disk-backed key to bytes store.
type Cache struct {
	backend backend.Backend
	meta    *metadata.Store
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	expiration time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a content cache over b with records kept in meta.
func New(b backend.Backend, meta *metadata.Store, cfg Config, opts ...Option) *Cache {
	if cfg.ExpirationInterval == 0 {
		cfg.ExpirationInterval = DefaultExpirationInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		backend:    b,
		meta:       meta,
		logger:     cfg.Logger.With("component", "datacache"),
		now:        time.Now,
		expiration: cfg.ExpirationInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExpirationInterval returns the current expiration interval.
func (c *Cache) ExpirationInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiration
}

// SetExpirationInterval changes the expiration interval for subsequent checks.
func (c *Cache) SetExpirationInterval(d time.Duration) {
	c.mu.Lock()
	c.expiration = d
	c.mu.Unlock()
}

// IsExpired reports whether the entry for key has outlived the expiration
// interval. Keys without a record are not expired.
func (c *Cache) IsExpired(key string) bool {
	rec, ok := c.meta.Lookup(key)
	if !ok {
		return false
	}
	return c.expired(rec)
}

func (c *Cache) expired(rec metadata.Record) bool {
	interval := c.ExpirationInterval()
	if interval < 0 {
		return false
	}
	return c.now().Sub(rec.Timestamp) > interval
}

// Get returns the content for key, or nil on a miss. An expired entry is
// removed before reporting the miss. Content whose recorded hash no longer
// matches is removed and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	rec, ok := c.meta.Lookup(key)
	if !ok {
		telemetry.RecordCacheLookup(ctx, "miss")
		return nil
	}

	if c.expired(rec) {
		c.logger.Debug("evicting expired entry",
			"key", key,
			"age", c.now().Sub(rec.Timestamp),
		)
		c.remove(ctx, key, rec, "expired")
		telemetry.RecordCacheLookup(ctx, "expired")
		return nil
	}

	data, err := c.read(ctx, rec.Filename)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			c.logger.Warn("reading cached content", "key", key, "filename", rec.Filename, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, "miss")
		return nil
	}

	if want := rec.StringField(metadata.FieldContentHash); want != "" {
		h, err := remotedata.ParseHash(want)
		if err == nil {
			err = h.Verify(data)
		}
		if err != nil {
			c.logger.Warn("discarding corrupt cached content",
				"key", key,
				"filename", rec.Filename,
				"error", err,
			)
			c.remove(ctx, key, rec, "corrupt")
			telemetry.RecordCacheLookup(ctx, "corrupt")
			return nil
		}
	}

	telemetry.RecordCacheLookup(ctx, "hit")
	return data
}

func (c *Cache) read(ctx context.Context, filename string) ([]byte, error) {
	rc, err := c.backend.Read(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Put stores data for key, overwriting any previous content.
func (c *Cache) Put(ctx context.Context, key string, data []byte) {
	c.PutWithFields(ctx, key, data, nil)
}

// PutWithFields stores data for key and merges fields into its record.
// The record's timestamp, size and content hash are refreshed.
func (c *Cache) PutWithFields(ctx context.Context, key string, data []byte, fields map[string]metadata.Value) {
	rec := c.meta.GetOrCreate(ctx, key)

	if err := c.backend.Write(ctx, rec.Filename, bytes.NewReader(data)); err != nil {
		c.logger.Error("writing cached content", "key", key, "filename", rec.Filename, "error", err)
		return
	}

	hash := remotedata.HashBytes(data)
	c.meta.Update(ctx, key, func(r *metadata.Record) {
		// keep the record pointed at the file just written
		r.Filename = rec.Filename
		r.Timestamp = c.now()
		r.SetField(metadata.FieldSize, metadata.Int(int64(len(data))))
		r.SetField(metadata.FieldContentHash, metadata.String(hash.String()))
		for name, v := range fields {
			r.SetField(name, v)
		}
	})

	telemetry.RecordCacheWrite(ctx, int64(len(data)))
	c.logger.Debug("stored content", "key", key, "filename", rec.Filename, "size", len(data), "hash", hash.Short())
}

// Remove deletes the record and file for key. A missing file is not an error.
func (c *Cache) Remove(ctx context.Context, key string) {
	rec, ok := c.meta.Lookup(key)
	if !ok {
		return
	}
	c.remove(ctx, key, rec, "removed")
}

func (c *Cache) remove(ctx context.Context, key string, rec metadata.Record, reason string) {
	if err := c.backend.Delete(ctx, rec.Filename); err != nil {
		c.logger.Warn("deleting cached content", "key", key, "filename", rec.Filename, "error", err)
	}
	c.meta.Clear(ctx, key)
	telemetry.RecordCacheEviction(ctx, reason)
}

// Clear deletes every file and record. Calls racing with Clear may observe
// the cache either before or after it.
func (c *Cache) Clear(ctx context.Context) {
	if err := c.backend.Clear(ctx); err != nil {
		c.logger.Error("clearing cache directory", "error", err)
	}
	c.meta.ClearAll(ctx)
	c.logger.Info("cache cleared")
}

// Exists reports whether key has a record and a content file.
// Expiry is not evaluated.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	rec, ok := c.meta.Lookup(key)
	if !ok {
		return false
	}
	exists, err := c.backend.Exists(ctx, rec.Filename)
	if err != nil {
		c.logger.Warn("checking cached content", "key", key, "filename", rec.Filename, "error", err)
		return false
	}
	return exists
}

// ListKeys returns the raw file names under the cache root. These are the
// generated filenames, not cache keys; use Metadata.KeyForFilename to map back.
func (c *Cache) ListKeys(ctx context.Context) []string {
	names, err := c.backend.List(ctx)
	if err != nil {
		c.logger.Warn("listing cache directory", "error", err)
		return nil
	}
	sort.Strings(names)
	return names
}

// Metadata returns the record for key, creating it if absent.
func (c *Cache) Metadata(ctx context.Context, key string) metadata.Record {
	return c.meta.GetOrCreate(ctx, key)
}

// SetMetadataFields merges fields into the record for key without touching
// its timestamp.
func (c *Cache) SetMetadataFields(ctx context.Context, key string, fields map[string]metadata.Value) {
	c.meta.Update(ctx, key, func(r *metadata.Record) {
		if r.Fields == nil {
			r.Fields = make(map[string]metadata.Value, len(fields))
		}
		maps.Copy(r.Fields, fields)
	})
}

// Store returns the metadata store backing the cache.
func (c *Cache) Store() *metadata.Store {
	return c.meta
}
