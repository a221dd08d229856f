// Package download coordinates network fetches of cache keys.
//
// A Coordinator answers from the content cache when it can. Otherwise it
// coalesces concurrent requests for the same key into one transfer, bounds the
// number of simultaneous transfers, queues the overflow, and fans each result
// out to every waiter in the order they attached.
//
// A key is always in exactly one of three states: idle, queued or in flight.
// Transfers run on a context detached from any single caller so that one
// caller going away does not cancel the download for everyone else.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/remotedata"
	"github.com/wolfeidau/remotedata/events"
	"github.com/wolfeidau/remotedata/metadata"
	"github.com/wolfeidau/remotedata/telemetry"
)

// DefaultMaxActiveRequests bounds simultaneous transfers.
const DefaultMaxActiveRequests = 4

// Callback receives the outcome of a request. It is called exactly once.
// data is shared between all waiters of a transfer and must not be modified.
type Callback func(data []byte, err error)

// Cache is the content cache the Coordinator reads from and writes to.
type Cache interface {
	Get(ctx context.Context, key string) []byte
	PutWithFields(ctx context.Context, key string, data []byte, fields map[string]metadata.Value)
}

// QueueOrder selects which queued request is promoted when a slot frees up.
type QueueOrder int

const (
	// FIFO promotes the oldest queued key first.
	FIFO QueueOrder = iota
	// LIFO promotes the newest queued key first.
	LIFO
)

func (o QueueOrder) String() string {
	if o == LIFO {
		return "lifo"
	}
	return "fifo"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *QueueOrder) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fifo", "FIFO", "":
		*o = FIFO
	case "lifo", "LIFO":
		*o = LIFO
	default:
		return fmt.Errorf("unknown queue order %q", text)
	}
	return nil
}

// State is the coordinator's view of a key.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	default:
		return "idle"
	}
}

// Config holds coordinator configuration.
type Config struct {
	// MaxActiveRequests bounds simultaneous transfers. Default 4.
	MaxActiveRequests int

	// QueueOrder selects the promotion order for queued keys. Default FIFO.
	QueueOrder QueueOrder

	// Executor runs waiter callbacks. Default GoExecutor.
	Executor Executor

	// Logger for coordinator events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxActiveRequests: DefaultMaxActiveRequests,
		QueueOrder:        FIFO,
		Executor:          GoExecutor{},
		Logger:            slog.Default(),
	}
}

// Stats are cumulative coordinator counters plus the current queue sizes.
type Stats struct {
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	CacheHits uint64 `json:"cache_hits"`
	Started   uint64 `json:"started"`
	Attached  uint64 `json:"attached"`
	Enqueued  uint64 `json:"enqueued"`
	Promoted  uint64 `json:"promoted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
}

type inflight struct {
	key      string
	waiters  []Callback
	cancel   context.CancelFunc
	canceled bool
}

type pendingEntry struct {
	key     string
	waiters []Callback
}

// Coordinator schedules fetches for cache keys.
type Coordinator struct {
	cache   Cache
	fetcher Fetcher
	cfg     Config
	events  *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	active   map[string]*inflight
	pending  map[string]*pendingEntry
	order    []string
	draining int // canceled transfers still holding a slot
	stats    Stats
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvents publishes completion events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Coordinator) {
		c.events = bus
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator reading and writing cache and fetching misses
// with fetcher.
func New(cache Cache, fetcher Fetcher, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxActiveRequests <= 0 {
		cfg.MaxActiveRequests = DefaultMaxActiveRequests
	}
	if cfg.Executor == nil {
		cfg.Executor = GoExecutor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "download"),
		now:     time.Now,
		active:  make(map[string]*inflight),
		pending: make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request returns cached bytes for key immediately when present and fresh;
// cb is not called in that case. Otherwise it returns nil and, when cb is
// non-nil, arranges for cb to receive the result: it attaches to an in-flight
// or queued request for key, starts a transfer if the budget allows, or
// queues one. A nil cb makes Request a read-only probe. Request never blocks
// on the network.
func (c *Coordinator) Request(ctx context.Context, key string, cb Callback) []byte {
	if err := remotedata.ValidateKey(key); err != nil {
		if cb != nil {
			c.dispatch([]Callback{cb}, nil, err)
		}
		return nil
	}

	if data := c.cache.Get(ctx, key); data != nil {
		c.mu.Lock()
		c.stats.CacheHits++
		c.mu.Unlock()
		telemetry.RecordFetchRequest(ctx, "hit")
		return data
	}

	if cb == nil {
		telemetry.RecordFetchRequest(ctx, "probe")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.active[key]; ok {
		f.waiters = append(f.waiters, cb)
		c.stats.Attached++
		telemetry.RecordFetchRequest(ctx, "attached")
		c.logger.Debug("attached to in-flight transfer", "key", key, "waiters", len(f.waiters))
		return nil
	}

	if p, ok := c.pending[key]; ok {
		p.waiters = append(p.waiters, cb)
		c.stats.Attached++
		telemetry.RecordFetchRequest(ctx, "attached")
		c.logger.Debug("attached to queued request", "key", key, "waiters", len(p.waiters))
		return nil
	}

	if c.busyLocked() < c.cfg.MaxActiveRequests {
		c.startLocked(ctx, key, []Callback{cb}, false)
		telemetry.RecordFetchRequest(ctx, "started")
		return nil
	}

	c.pending[key] = &pendingEntry{key: key, waiters: []Callback{cb}}
	c.order = append(c.order, key)
	c.stats.Enqueued++
	c.reportLocked(ctx)
	telemetry.RecordFetchRequest(ctx, "queued")
	c.logger.Debug("queued request", "key", key, "queued", len(c.order))
	return nil
}

type result struct {
	data []byte
	err  error
}

// Fetch is a blocking form of Request. ctx bounds only this caller's wait;
// the shared transfer keeps running for other waiters.
func (c *Coordinator) Fetch(ctx context.Context, key string) ([]byte, error) {
	ch := make(chan result, 1)
	data := c.Request(ctx, key, func(data []byte, err error) {
		ch <- result{data: data, err: err}
	})
	if data != nil {
		return data, nil
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the in-flight transfer or queued request for key. Every
// waiter receives an error wrapping ErrCanceled. It reports whether there
// was anything to cancel.
func (c *Coordinator) Cancel(key string) bool {
	ctx := context.Background()
	err := fmt.Errorf("%w: %s", ErrCanceled, key)

	c.mu.Lock()
	if f, ok := c.active[key]; ok {
		f.canceled = true
		delete(c.active, key)
		c.draining++
		waiters := f.waiters
		f.waiters = nil
		c.stats.Canceled++
		c.reportLocked(ctx)
		c.mu.Unlock()

		f.cancel()
		c.resolve(ctx, key, waiters, nil, err, "canceled")
		return true
	}

	if p, ok := c.pending[key]; ok {
		c.removePendingLocked(key)
		c.stats.Canceled++
		c.reportLocked(ctx)
		c.mu.Unlock()

		c.resolve(ctx, key, p.waiters, nil, err, "canceled")
		return true
	}
	c.mu.Unlock()
	return false
}

// CancelAll cancels every queued and in-flight request and returns how many
// keys were affected.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.active)+len(c.pending))
	keys = append(keys, c.order...)
	for k := range c.active {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	n := 0
	for _, k := range keys {
		if c.Cancel(k) {
			n++
		}
	}
	return n
}

// State returns the coordinator state of key.
func (c *Coordinator) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[key]; ok {
		return StateInFlight
	}
	if _, ok := c.pending[key]; ok {
		return StateQueued
	}
	return StateIdle
}

// InFlight returns the keys with a running transfer, sorted.
func (c *Coordinator) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.active))
	for k := range c.active {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Queued returns the queued keys in the order they will be promoted.
func (c *Coordinator) Queued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := slices.Clone(c.order)
	if c.cfg.QueueOrder == LIFO {
		slices.Reverse(keys)
	}
	return keys
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Active = c.busyLocked()
	s.Queued = len(c.order)
	return s
}

func (c *Coordinator) busyLocked() int {
	return len(c.active) + c.draining
}

func (c *Coordinator) startLocked(parent context.Context, key string, waiters []Callback, promoted bool) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	f := &inflight{
		key:     key,
		waiters: waiters,
		cancel:  cancel,
	}
	c.active[key] = f
	c.stats.Started++
	c.reportLocked(ctx)
	c.logger.Debug("starting transfer", "key", key, "active", len(c.active), "promoted", promoted)

	go c.transfer(ctx, f)
}

func (c *Coordinator) transfer(ctx context.Context, f *inflight) {
	defer f.cancel()

	// A queued key, or one whose transfer finished between the cache miss in
	// Request and taking the lock, may already be cached
	if data := c.cache.Get(ctx, f.key); data != nil {
		c.complete(ctx, f, data, nil)
		return
	}

	resp, err := c.fetcher.Fetch(ctx, f.key)
	if err == nil && ctx.Err() == nil {
		fields := map[string]metadata.Value{
			metadata.FieldDownloadedAt: metadata.Time(c.now()),
		}
		if resp.MIMEType != "" {
			fields[metadata.FieldMIMEType] = metadata.String(resp.MIMEType)
		}
		c.cache.PutWithFields(ctx, f.key, resp.Data, fields)
		c.complete(ctx, f, resp.Data, nil)
		return
	}
	if err == nil {
		err = ctx.Err()
	}
	c.complete(ctx, f, nil, err)
}

// complete resolves a finished transfer and promotes queued work.
func (c *Coordinator) complete(ctx context.Context, f *inflight, data []byte, err error) {
	c.mu.Lock()
	if f.canceled {
		// waiters were already resolved by Cancel
		c.draining--
		c.reportLocked(ctx)
		c.mu.Unlock()
		c.promote(ctx)
		return
	}
	delete(c.active, f.key)
	waiters := f.waiters
	f.waiters = nil
	if err != nil {
		c.stats.Failed++
	} else {
		c.stats.Succeeded++
	}
	c.reportLocked(ctx)
	c.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
		c.logger.Warn("transfer failed", "key", f.key, "waiters", len(waiters), "error", err)
	} else {
		c.logger.Debug("transfer complete", "key", f.key, "waiters", len(waiters), "size", len(data))
	}
	c.resolve(ctx, f.key, waiters, data, err, outcome)
	c.promote(ctx)
}

// resolve notifies waiters then broadcasts the outcome.
func (c *Coordinator) resolve(ctx context.Context, key string, waiters []Callback, data []byte, err error, outcome string) {
	c.dispatch(waiters, data, err)
	telemetry.RecordFetchCompletion(ctx, outcome, len(waiters))

	kind := events.DataDownloaded
	if err != nil {
		kind = events.DataDownloadFailed
	}
	c.events.Publish(events.Event{Kind: kind, Key: key, Err: err, Time: c.now()})
}

// dispatch delivers one result to every waiter, in order, with one Execute.
func (c *Coordinator) dispatch(waiters []Callback, data []byte, err error) {
	if len(waiters) == 0 {
		return
	}
	c.cfg.Executor.Execute(func() {
		for _, cb := range waiters {
			cb(data, err)
		}
	})
}

// promote starts queued requests until the budget is used up.
func (c *Coordinator) promote(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) > 0 && c.busyLocked() < c.cfg.MaxActiveRequests {
		var key string
		if c.cfg.QueueOrder == LIFO {
			key = c.order[len(c.order)-1]
		} else {
			key = c.order[0]
		}
		p := c.pending[key]
		c.removePendingLocked(key)
		c.stats.Promoted++
		c.startLocked(ctx, key, p.waiters, true)
	}
}

func (c *Coordinator) removePendingLocked(key string) {
	delete(c.pending, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

func (c *Coordinator) reportLocked(ctx context.Context) {
	telemetry.UpdateFetchState(ctx, c.busyLocked(), len(c.order))
}
