// Package listsync keeps a scan list fresh while any scan in it is still
// active, and goes quiet the moment none are. Mutations elsewhere call
// Trigger to wake it instead of waiting for the next tick.
package listsync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

const (
	// MinInterval and MaxInterval bound the refresh cadence. Faster than
	// MinInterval hammers the API for no visible gain; slower than
	// MaxInterval makes the list feel stale next to the realtime stream.
	MinInterval = 2 * time.Second
	MaxInterval = 5 * time.Second

	// DefaultInterval is used when no interval is configured.
	DefaultInterval = 3 * time.Second

	refreshTimeout = 10 * time.Second
)

// Source supplies the scan rows to keep fresh.
type Source interface {
	Scans(ctx context.Context) ([]scan.ListItem, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]scan.ListItem, error)

func (f SourceFunc) Scans(ctx context.Context) ([]scan.ListItem, error) {
	return f(ctx)
}

// Poller refreshes a scan list on a fixed cadence while at least one scan in
// the last result is active. Refresh failures keep the previous rows; the
// next tick retries.
type Poller struct {
	source   Source
	interval time.Duration

	// OnUpdate, when set before Start, is called from the poll goroutine
	// after each successful refresh.
	OnUpdate func(items []scan.ListItem)

	mu       sync.RWMutex
	items    []scan.ListItem
	lastSync time.Time
	running  bool
	stopCh   chan struct{}

	trigger chan struct{}
	wg      sync.WaitGroup
}

// New creates a poller with the interval clamped to the allowed band.
func New(source Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return newPoller(source, interval)
}

func newPoller(source Source, interval time.Duration) *Poller {
	return &Poller{
		source:   source,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins polling with an immediate first refresh. No-op when already
// running.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(stopCh)
}

// Stop halts polling and waits for the poll goroutine to exit. No-op when
// not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Trigger requests an immediate refresh and resumes the cadence if the
// poller had gone idle. Safe to call from any goroutine; extra triggers
// coalesce.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(stopCh chan struct{}) {
	defer p.wg.Done()

	active := p.refresh()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if active {
			select {
			case <-stopCh:
				return
			case <-p.trigger:
				active = p.refresh()
			case <-ticker.C:
				active = p.refresh()
			}
			if !active {
				log.Printf("listsync: no active scans, pausing refresh")
			}
		} else {
			// Nothing is running; sleep until a mutation asks for a
			// refresh.
			select {
			case <-stopCh:
				return
			case <-p.trigger:
				active = p.refresh()
				ticker.Reset(p.interval)
			}
		}
	}
}

// refresh fetches the list once and reports whether any scan in the current
// rows is active. Failures are logged and leave the previous rows in place.
func (p *Poller) refresh() bool {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	items, err := p.source.Scans(ctx)
	if err != nil {
		log.Printf("listsync: refresh failed: %v", err)
		p.mu.RLock()
		defer p.mu.RUnlock()
		return anyActive(p.items)
	}

	p.mu.Lock()
	p.items = items
	p.lastSync = time.Now()
	p.mu.Unlock()

	if p.OnUpdate != nil {
		p.OnUpdate(items)
	}
	return anyActive(items)
}

func anyActive(items []scan.ListItem) bool {
	for _, it := range items {
		if it.Status.IsActive() {
			return true
		}
	}
	return false
}

// Items returns the rows from the last successful refresh.
func (p *Poller) Items() []scan.ListItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]scan.ListItem, len(p.items))
	copy(out, p.items)
	return out
}

// LastSync reports when the list last refreshed successfully.
func (p *Poller) LastSync() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}

// HasActive reports whether any scan in the last refreshed list is active.
func (p *Poller) HasActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return anyActive(p.items)
}

// CanMutateApplication reports whether applicationID has no active scan in
// the last refreshed list. Applications with a scan in flight must not be
// edited or deleted.
func (p *Poller) CanMutateApplication(applicationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, it := range p.items {
		if it.ApplicationID == applicationID && it.Status.IsActive() {
			return false
		}
	}
	return true
}
