// Package metadata keeps the key to record table that backs the content cache.
//
// The whole table is held in memory and guarded by one mutex. Every mutation
// re-encodes the table and rewrites it under a single settings key.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/remotedata/settings"
)

// DefaultSettingsKey is the settings key the table is persisted under.
const DefaultSettingsKey = "UUDataCacheDb"

// Store maps cache keys to records.
type Store struct {
	settings settings.Store
	codec    *codec
	key      string
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	records    table
	byFilename map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSettingsKey overrides DefaultSettingsKey.
func WithSettingsKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// NewStore loads the table from st. A table that cannot be decoded is logged
// and replaced with an empty one.
func NewStore(ctx context.Context, st settings.Store, opts ...Option) (*Store, error) {
	s := &Store{
		settings: st,
		key:      DefaultSettingsKey,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "metadata")

	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c

	raw, err := st.Get(ctx, s.key)
	switch {
	case errors.Is(err, settings.ErrNotFound):
		s.records = table{}
	case err != nil:
		c.close()
		return nil, fmt.Errorf("loading metadata table: %w", err)
	default:
		t, err := c.decode(raw)
		if err != nil {
			s.logger.Warn("discarding unreadable metadata table", "error", err)
			t = table{}
		}
		s.records = t
	}

	s.byFilename = make(map[string]string, len(s.records))
	for k, rec := range s.records {
		s.byFilename[rec.Filename] = k
	}

	s.logger.Debug("loaded metadata table", "records", len(s.records))
	return s, nil
}

// Close releases codec resources. The table is already persisted.
func (s *Store) Close() error {
	s.codec.close()
	return nil
}

// GetOrCreate returns the record for key. When absent, a record with a fresh
// filename and the current time is created and persisted first, so reading
// metadata for an unseen key reserves a content filename.
func (s *Store) GetOrCreate(ctx context.Context, key string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, created := s.getOrCreateLocked(key)
	if created {
		s.persistLocked(ctx)
	}
	return rec.Clone()
}

// Lookup returns the record for key without creating one.
func (s *Store) Lookup(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Set replaces the record for key. An empty Filename is filled with a
// generated one.
func (s *Store) Set(ctx context.Context, key string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Filename == "" {
		rec.Filename = newFilename()
	}
	s.putLocked(key, rec.Clone())
	s.persistLocked(ctx)
}

// Update applies fn to the record for key, creating it first if needed, and
// returns the updated record.
func (s *Store) Update(ctx context.Context, key string, fn func(*Record)) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _ := s.getOrCreateLocked(key)
	rec = rec.Clone()
	fn(&rec)
	if rec.Filename == "" {
		rec.Filename = newFilename()
	}
	s.putLocked(key, rec)
	s.persistLocked(ctx)
	return rec.Clone()
}

// Clear removes the record for key.
func (s *Store) Clear(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return
	}
	delete(s.records, key)
	delete(s.byFilename, rec.Filename)
	s.persistLocked(ctx)
}

// ClearAll drops every record.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = table{}
	s.byFilename = make(map[string]string)
	s.persistLocked(ctx)
}

// KeyForFilename returns the key whose record owns filename.
func (s *Store) KeyForFilename(filename string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byFilename[filename]
	return key, ok
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of every record.
func (s *Store) Snapshot() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.records))
	for k, rec := range s.records {
		out[k] = rec.Clone()
	}
	return out
}

func (s *Store) getOrCreateLocked(key string) (Record, bool) {
	if rec, ok := s.records[key]; ok {
		return rec, false
	}
	rec := Record{
		Filename:  newFilename(),
		Timestamp: s.now(),
	}
	s.putLocked(key, rec)
	return rec, true
}

func (s *Store) putLocked(key string, rec Record) {
	if old, ok := s.records[key]; ok && old.Filename != rec.Filename {
		delete(s.byFilename, old.Filename)
	}
	s.records[key] = rec
	s.byFilename[rec.Filename] = key
}

// persistLocked rewrites the whole table. Failures are logged, the in-memory
// table stays authoritative.
func (s *Store) persistLocked(ctx context.Context) {
	data, err := s.codec.encode(s.records)
	if err != nil {
		s.logger.Error("encoding metadata table", "error", err)
		return
	}
	if err := s.settings.Set(ctx, s.key, data); err != nil {
		s.logger.Error("persisting metadata table", "error", err, "bytes", len(data))
	}
}

func newFilename() string {
	return uuid.NewString()
}
