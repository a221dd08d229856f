// Package s3fifo implements an in-memory, byte-bounded S3-FIFO cache.
//
// New entries are admitted to a small probationary queue. When the small
// queue is over its share of the budget its oldest entry is either promoted
// to the main queue (it was read while on probation) or evicted and
// remembered in a ghost set. Keys re-admitted while in the ghost set go
// straight to main. The main queue evicts its oldest entry, giving entries
// with a non-zero access count a second chance.
package s3fifo

import (
	"container/list"
	"context"
	"sync"

	"github.com/wolfeidau/remotedata/telemetry"
)

const (
	defaultSmallQueuePercent = 10
	ghostFloor               = 128 // minimum ghost entries when auto-sizing
	maxFreq                  = 3
)

// Queue names, used in metrics.
const (
	QueueSmall = "small"
	QueueMain  = "main"
)

// Config holds cache configuration.
type Config struct {
	// MaxBytes bounds the summed cost of all entries.
	MaxBytes int64

	// SmallQueuePercent is the share of MaxBytes reserved for the small
	// (probationary) queue. Default: 10.
	SmallQueuePercent int

	// GhostMaxEntries caps the ghost set.
	// 0 = auto: the current main queue length with a floor of 128.
	GhostMaxEntries int
}

type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
	freq  uint8
	main  bool
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	cfg     Config
	onEvict func(K, V)

	mu         sync.Mutex
	small      *list.List // front is the newest entry
	main       *list.List
	items      map[K]*list.Element
	ghost      map[K]*list.Element
	ghostList  *list.List
	smallBytes int64
	mainBytes  int64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers fn to run for every evicted entry. It is called
// without the cache lock held. Delete and Purge do not invoke it.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New creates a cache bounded by cfg.MaxBytes.
func New[K comparable, V any](cfg Config, opts ...Option[K, V]) *Cache[K, V] {
	if cfg.SmallQueuePercent <= 0 || cfg.SmallQueuePercent >= 100 {
		cfg.SmallQueuePercent = defaultSmallQueuePercent
	}
	c := &Cache[K, V]{
		cfg:       cfg,
		small:     list.New(),
		main:      list.New(),
		items:     make(map[K]*list.Element),
		ghost:     make(map[K]*list.Element),
		ghostList: list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and records the access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if e.freq < maxFreq {
		e.freq++
	}
	return e.value, true
}

// Contains reports whether key is cached without recording an access.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Set stores value under key with the given cost in bytes, evicting as
// needed. An entry costing more than MaxBytes is not stored and Set
// returns false.
func (c *Cache[K, V]) Set(key K, value V, cost int64) bool {
	if cost < 0 {
		cost = 0
	}
	if cost > c.cfg.MaxBytes {
		return false
	}

	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.adjustBytes(e, cost-e.cost)
		e.value = value
		e.cost = cost
		if e.freq < maxFreq {
			e.freq++
		}
	} else if gel, ok := c.ghost[key]; ok {
		c.ghostList.Remove(gel)
		delete(c.ghost, key)
		e := &entry[K, V]{key: key, value: value, cost: cost, main: true}
		c.items[key] = c.main.PushFront(e)
		c.mainBytes += cost
		telemetry.RecordMemcacheAdmission(context.Background(), QueueMain)
	} else {
		e := &entry[K, V]{key: key, value: value, cost: cost}
		c.items[key] = c.small.PushFront(e)
		c.smallBytes += cost
		telemetry.RecordMemcacheAdmission(context.Background(), QueueSmall)
	}

	evicted := c.evictLocked()
	total := c.smallBytes + c.mainBytes
	c.mu.Unlock()

	telemetry.UpdateMemcacheBytes(context.Background(), total)
	c.notify(evicted)
	return true
}

// Delete removes key. It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry[K, V])
	if e.main {
		c.main.Remove(el)
		c.mainBytes -= e.cost
	} else {
		c.small.Remove(el)
		c.smallBytes -= e.cost
	}
	delete(c.items, key)
	return true
}

// Purge drops every entry and the ghost set.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.small.Init()
	c.main.Init()
	c.ghostList.Init()
	c.items = make(map[K]*list.Element)
	c.ghost = make(map[K]*list.Element)
	c.smallBytes = 0
	c.mainBytes = 0
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the summed cost of all entries.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smallBytes + c.mainBytes
}

// Stats describes the queue sizes.
type Stats struct {
	SmallLen   int   `json:"small_len"`
	MainLen    int   `json:"main_len"`
	GhostLen   int   `json:"ghost_len"`
	SmallBytes int64 `json:"small_bytes"`
	MainBytes  int64 `json:"main_bytes"`
	MaxBytes   int64 `json:"max_bytes"`
}

// Stats returns a snapshot of the queue sizes.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SmallLen:   c.small.Len(),
		MainLen:    c.main.Len(),
		GhostLen:   c.ghostList.Len(),
		SmallBytes: c.smallBytes,
		MainBytes:  c.mainBytes,
		MaxBytes:   c.cfg.MaxBytes,
	}
}

func (c *Cache[K, V]) adjustBytes(e *entry[K, V], delta int64) {
	if e.main {
		c.mainBytes += delta
	} else {
		c.smallBytes += delta
	}
}

// evictLocked evicts until the cache fits and returns the evicted entries.
func (c *Cache[K, V]) evictLocked() []*entry[K, V] {
	var evicted []*entry[K, V]
	smallTarget := c.cfg.MaxBytes * int64(c.cfg.SmallQueuePercent) / 100

	for c.smallBytes+c.mainBytes > c.cfg.MaxBytes {
		var e *entry[K, V]
		if (c.smallBytes > smallTarget || c.main.Len() == 0) && c.small.Len() > 0 {
			e = c.evictFromSmall()
		} else {
			e = c.evictFromMain()
		}
		if e != nil {
			evicted = append(evicted, e)
		}
	}
	return evicted
}

// evictFromSmall pops the oldest small entry and either promotes it to main
// (it was read on probation) or evicts it into the ghost set.
func (c *Cache[K, V]) evictFromSmall() *entry[K, V] {
	el := c.small.Back()
	e := c.small.Remove(el).(*entry[K, V])
	c.smallBytes -= e.cost

	if e.freq > 0 {
		e.freq = 0
		e.main = true
		c.items[e.key] = c.main.PushFront(e)
		c.mainBytes += e.cost
		return nil
	}

	delete(c.items, e.key)
	c.ghost[e.key] = c.ghostList.PushFront(e.key)
	c.trimGhost()
	telemetry.RecordMemcacheEviction(context.Background(), QueueSmall, e.cost)
	return e
}

// evictFromMain pops the oldest main entry, reinserting it with a
// decremented count while it has accesses left.
func (c *Cache[K, V]) evictFromMain() *entry[K, V] {
	el := c.main.Back()
	e := el.Value.(*entry[K, V])

	if e.freq > 0 {
		e.freq--
		c.main.MoveToFront(el)
		return nil
	}

	c.main.Remove(el)
	c.mainBytes -= e.cost
	delete(c.items, e.key)
	telemetry.RecordMemcacheEviction(context.Background(), QueueMain, e.cost)
	return e
}

func (c *Cache[K, V]) trimGhost() {
	limit := c.cfg.GhostMaxEntries
	if limit <= 0 {
		limit = max(c.main.Len(), ghostFloor)
	}
	for c.ghostList.Len() > limit {
		el := c.ghostList.Back()
		delete(c.ghost, c.ghostList.Remove(el).(K))
	}
}

func (c *Cache[K, V]) notify(evicted []*entry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value)
	}
}
