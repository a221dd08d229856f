// Package service assembles the settings store, metadata store, content
// cache, fetch coordinator and image cache into one unit with an explicit
// lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/remotedata/backend"
	"github.com/wolfeidau/remotedata/datacache"
	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/events"
	"github.com/wolfeidau/remotedata/imagecache"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/s3fifo"
	"github.com/wolfeidau/remotedata/settings"
)

const (
	dataDir      = "data"
	settingsFile = "settings.db"
)

// Config holds the configuration of every component.
type Config struct {
	// Dir is the cache root. Content lives in Dir/data and the settings
	// database in Dir/settings.db.
	Dir string

	// ExpirationInterval is the content TTL. Zero uses the 30 day default;
	// negative disables expiry.
	ExpirationInterval time.Duration

	// MaxActiveRequests bounds simultaneous transfers.
	MaxActiveRequests int

	// QueueOrder selects how queued keys are promoted.
	QueueOrder download.QueueOrder

	// ImageMemoryBytes bounds decoded images held in memory.
	ImageMemoryBytes int64

	// PurgeInterval runs PurgeExpired periodically. Zero disables it.
	PurgeInterval time.Duration

	// HTTPTimeout bounds a single fetch.
	HTTPTimeout time.Duration

	// UserAgent is sent with every fetch when set.
	UserAgent string

	// FetchRate caps origin requests per second. Zero means unlimited.
	FetchRate float64

	// FetchBurst is the rate limiter burst. Default 1.
	FetchBurst int

	// NoSync disables fsync on the settings database and content files.
	NoSync bool

	// Logger for all components.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		ExpirationInterval: datacache.DefaultExpirationInterval,
		MaxActiveRequests:  download.DefaultMaxActiveRequests,
		QueueOrder:         download.FIFO,
		ImageMemoryBytes:   imagecache.DefaultMaxMemoryBytes,
		HTTPTimeout:        download.DefaultTimeout,
		Logger:             slog.Default(),
	}
}

// Service owns the assembled components.
type Service struct {
	Settings    settings.Store
	Metadata    *metadata.Store
	Data        *datacache.Cache
	Events      *events.Bus
	Coordinator *download.Coordinator
	Images      *imagecache.Cache
	Purger      *Purger

	bolt     *settings.BoltStore
	executor download.Executor
	logger   *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	fetcher  download.Fetcher
	settings settings.Store
	executor download.Executor
	now      func() time.Time
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f download.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithSettingsStore replaces the bbolt settings database.
func WithSettingsStore(st settings.Store) Option {
	return func(o *options) {
		o.settings = st
	}
}

// WithExecutor sets the executor that runs fetch callbacks.
func WithExecutor(e download.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithNow sets the clock used for timestamps and expiry.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Open builds every component. Close releases them.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	s := &Service{
		Settings: o.settings,
		Events:   events.NewBus(),
		executor: o.executor,
		logger:   cfg.Logger.With("component", "service"),
	}

	if s.Settings == nil {
		s.bolt = settings.NewBoltStore(settings.WithLogger(cfg.Logger), settings.WithNoSync(cfg.NoSync))
		if err := s.bolt.Open(filepath.Join(cfg.Dir, settingsFile)); err != nil {
			return nil, fmt.Errorf("opening settings: %w", err)
		}
		s.Settings = s.bolt
	}

	meta, err := metadata.NewStore(ctx, s.Settings, metadata.WithLogger(cfg.Logger), metadata.WithNow(o.now))
	if err != nil {
		s.closeSettings()
		return nil, fmt.Errorf("opening metadata: %w", err)
	}
	s.Metadata = meta

	fs, err := backend.NewFilesystem(filepath.Join(cfg.Dir, dataDir), backend.WithoutSync(cfg.NoSync))
	if err != nil {
		_ = meta.Close()
		s.closeSettings()
		return nil, fmt.Errorf("creating content store: %w", err)
	}

	s.Data = datacache.New(
		backend.NewInstrumentedBackend(fs, "filesystem"),
		meta,
		datacache.Config{ExpirationInterval: cfg.ExpirationInterval, Logger: cfg.Logger},
		datacache.WithNow(o.now),
	)

	fetcher := o.fetcher
	if fetcher == nil {
		httpOpts := []download.HTTPOption{}
		if cfg.HTTPTimeout > 0 {
			httpOpts = append(httpOpts, download.WithTimeout(cfg.HTTPTimeout))
		}
		if cfg.UserAgent != "" {
			httpOpts = append(httpOpts, download.WithUserAgent(cfg.UserAgent))
		}
		if cfg.FetchRate > 0 {
			httpOpts = append(httpOpts, download.WithRateLimit(cfg.FetchRate, cfg.FetchBurst))
		}
		fetcher = download.NewHTTPFetcher(httpOpts...)
	}

	s.Coordinator = download.New(s.Data, fetcher, download.Config{
		MaxActiveRequests: cfg.MaxActiveRequests,
		QueueOrder:        cfg.QueueOrder,
		Executor:          s.executor,
		Logger:            cfg.Logger,
	}, download.WithEvents(s.Events), download.WithNow(o.now))

	s.Images = imagecache.New(s.Coordinator, s.Data, imagecache.Config{
		MaxMemoryBytes: cfg.ImageMemoryBytes,
		Logger:         cfg.Logger,
	}, imagecache.WithEvents(s.Events))

	s.Purger = NewPurger(s.Data, cfg.PurgeInterval, cfg.Logger)

	s.logger.Info("cache opened",
		"dir", cfg.Dir,
		"records", meta.Len(),
		"expiration_interval", s.Data.ExpirationInterval(),
		"max_active_requests", cfg.MaxActiveRequests,
	)
	return s, nil
}

// Start begins background work such as periodic purging.
func (s *Service) Start(ctx context.Context) {
	s.Purger.Start(ctx)
}

// Close stops background work, cancels outstanding transfers and closes
// the stores.
func (s *Service) Close() error {
	s.Purger.Stop()
	if n := s.Coordinator.CancelAll(); n > 0 {
		s.logger.Info("canceled outstanding transfers", "count", n)
	}
	if c, ok := s.executor.(interface{ Close() }); ok {
		c.Close()
	}
	if err := s.Metadata.Close(); err != nil {
		s.logger.Warn("closing metadata", "error", err)
	}
	return s.closeSettings()
}

func (s *Service) closeSettings() error {
	if s.bolt == nil {
		return nil
	}
	return s.bolt.Close()
}

// ImageStats describes the decoded image cache.
type ImageStats struct {
	Len   int          `json:"len"`
	Bytes int64        `json:"bytes"`
	Queue s3fifo.Stats `json:"queue"`
}

// Stats aggregates statistics from every component.
type Stats struct {
	Cache  datacache.Stats `json:"cache"`
	Fetch  download.Stats  `json:"fetch"`
	Images ImageStats      `json:"images"`
	Events int             `json:"event_subscribers"`
}

// Stats returns a snapshot of every component.
func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Cache: s.Data.Stats(ctx),
		Fetch: s.Coordinator.Stats(),
		Images: ImageStats{
			Len:   s.Images.Len(),
			Bytes: s.Images.Bytes(),
			Queue: s.Images.Stats(),
		},
		Events: s.Events.Len(),
	}
}

// Clear removes all content, all metadata and every decoded image.
// Outstanding transfers are canceled first.
func (s *Service) Clear(ctx context.Context) {
	s.Coordinator.CancelAll()
	s.Images.Purge()
	s.Data.Clear(ctx)
}
