package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/remotedata/datacache"
)

// Purger periodically evicts expired content.
type Purger struct {
	cache    *datacache.Cache
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	last    datacache.PurgeResult
	runs    int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPurger creates a purger. A non-positive interval makes Start a no-op.
func NewPurger(cache *datacache.Cache, interval time.Duration, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Purger{
		cache:    cache,
		interval: interval,
		logger:   logger.With("component", "purger"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background purging. It runs once immediately.
func (p *Purger) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.stopped || p.interval <= 0 {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop stops background purging and waits for an active run to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

func (p *Purger) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge.
func (p *Purger) RunOnce(ctx context.Context) datacache.PurgeResult {
	result := p.cache.PurgeExpired(ctx)

	p.mu.Lock()
	p.last = result
	p.runs++
	p.mu.Unlock()

	if result.Expired > 0 {
		p.logger.Info("purge complete",
			"expired", result.Expired,
			"orphans", result.Orphans,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		p.logger.Debug("purge complete, nothing expired", "scanned", result.Scanned)
	}
	return result
}

// Last returns the most recent result and the number of runs so far.
func (p *Purger) Last() (datacache.PurgeResult, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.runs
}
