// Package events broadcasts download and decode notifications to observers
// that are not direct callers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/remotedata/telemetry"
)

// Kind identifies an event.
type Kind string

const (
	DataDownloaded     Kind = "data_downloaded"
	DataDownloadFailed Kind = "data_download_failed"
	ImageDownloaded    Kind = "image_downloaded"
)

// Event is a single notification.
type Event struct {
	Kind Kind
	Key  string
	Err  error
	Time time.Time
}

// Bus fans events out to subscribers. Delivery is best effort: a subscriber
// whose buffer is full misses the event. A nil Bus discards everything.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	dropped := 0
	b.mu.RLock()
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			dropped++
		}
	}
	b.mu.RUnlock()

	telemetry.RecordEvent(context.Background(), string(ev.Kind), dropped)
}

// Subscribe registers a subscriber with the given buffer size. With no kinds
// every event is delivered.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription receives events from a Bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	kinds   map[Kind]struct{}
	once    sync.Once
	dropped atomic.Int64
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were missed because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}
