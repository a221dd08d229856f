package datacache

import (
	"context"
	"sort"
	"time"

	"github.com/wolfeidau/remotedata/backend"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/telemetry"
)

// PurgeResult contains the results of a purge run.
type PurgeResult struct {
	Scanned    int
	Expired    int
	Orphans    int
	BytesFreed int64
	Duration   time.Duration
}

// PurgeExpired walks the files under the cache root and evicts entries whose
// records have expired. Files without a record are counted as orphans and
// left in place. Records without a file are not visited.
func (c *Cache) PurgeExpired(ctx context.Context) PurgeResult {
	start := time.Now()
	result := PurgeResult{}

	c.logger.Debug("starting purge")

	names, err := c.backend.List(ctx)
	if err != nil {
		c.logger.Error("listing cache directory", "error", err)
		return result
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		result.Scanned++

		key, ok := c.meta.KeyForFilename(name)
		if !ok {
			result.Orphans++
			continue
		}
		rec, ok := c.meta.Lookup(key)
		if !ok || !c.expired(rec) {
			continue
		}

		size, _ := rec.IntField(metadata.FieldSize)
		c.remove(ctx, key, rec, "expired")
		result.Expired++
		result.BytesFreed += size

		c.logger.Debug("purged expired entry",
			"key", key,
			"filename", name,
			"age", c.now().Sub(rec.Timestamp),
		)
	}

	result.Duration = time.Since(start)
	telemetry.RecordPurge(ctx, result.Duration)

	if result.Expired > 0 {
		c.logger.Info("purge complete",
			"expired", result.Expired,
			"orphans", result.Orphans,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		c.logger.Debug("purge complete, nothing expired", "scanned", result.Scanned, "orphans", result.Orphans)
	}

	return result
}

// Entry describes one cached key.
type Entry struct {
	Key      string    `json:"key"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Written  time.Time `json:"written"`
	MIMEType string    `json:"mime_type,omitempty"`
	Expired  bool      `json:"expired"`
}

// Entries returns every key that has a content file, sorted by key.
func (c *Cache) Entries(ctx context.Context) []Entry {
	names, err := c.backend.List(ctx)
	if err != nil {
		c.logger.Warn("listing cache directory", "error", err)
		return nil
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		key, ok := c.meta.KeyForFilename(name)
		if !ok {
			continue
		}
		rec, ok := c.meta.Lookup(key)
		if !ok {
			continue
		}
		size, ok := rec.IntField(metadata.FieldSize)
		if !ok {
			size = c.fileSize(ctx, name)
		}
		entries = append(entries, Entry{
			Key:      key,
			Filename: name,
			Size:     size,
			Written:  rec.Timestamp,
			MIMEType: rec.StringField(metadata.FieldMIMEType),
			Expired:  c.expired(rec),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

func (c *Cache) fileSize(ctx context.Context, name string) int64 {
	sb, ok := c.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0
	}
	size, err := sb.Size(ctx, name)
	if err != nil {
		return 0
	}
	return size
}

// Stats contains aggregate statistics about the cache.
type Stats struct {
	Entries     int       `json:"entries"`
	Orphans     int       `json:"orphans"`
	Records     int       `json:"records"`
	TotalBytes  int64     `json:"total_bytes"`
	OldestWrite time.Time `json:"oldest_write"`
	NewestWrite time.Time `json:"newest_write"`
}

// Stats returns aggregate statistics.
func (c *Cache) Stats(ctx context.Context) Stats {
	names, err := c.backend.List(ctx)
	if err != nil {
		c.logger.Warn("listing cache directory", "error", err)
	}

	stats := Stats{Records: c.meta.Len()}
	for _, name := range names {
		key, ok := c.meta.KeyForFilename(name)
		if !ok {
			stats.Orphans++
			continue
		}
		rec, ok := c.meta.Lookup(key)
		if !ok {
			stats.Orphans++
			continue
		}

		stats.Entries++
		if size, ok := rec.IntField(metadata.FieldSize); ok {
			stats.TotalBytes += size
		} else {
			stats.TotalBytes += c.fileSize(ctx, name)
		}

		if stats.OldestWrite.IsZero() || rec.Timestamp.Before(stats.OldestWrite) {
			stats.OldestWrite = rec.Timestamp
		}
		if rec.Timestamp.After(stats.NewestWrite) {
			stats.NewestWrite = rec.Timestamp
		}
	}

	return stats
}
