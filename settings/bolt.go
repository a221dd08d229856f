package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketSettings = []byte("settings")

// ErrClosed is returned when the store is used before Open or after Close.
var ErrClosed = errors.New("settings: store is not open")

// BoltStore implements Store using a single bbolt bucket.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, a crash may lose recent writes.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// NewBoltStore creates a BoltStore. Call Open before use.
func NewBoltStore(opts ...BoltOption) *BoltStore {
	b := &BoltStore{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens (creating if needed) the database file at path.
func (b *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening settings database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating bucket %s: %w", bucketSettings, err)
	}

	b.db = db
	b.logger.Debug("opened settings store", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Get implements Store.
func (b *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if b.db == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bbolt memory is only valid for the life of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements Store.
func (b *BoltStore) Set(ctx context.Context, key string, value []byte) error {
	if b.db == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (b *BoltStore) Remove(ctx context.Context, key string) error {
	if b.db == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("removing setting %q: %w", key, err)
	}
	return nil
}
