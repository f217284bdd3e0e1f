// Package tabpool provides a bounded pool of browser contexts with
// use-count recycling and FIFO waiters.
package tabpool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrDraining is returned to callers whose acquire was outstanding when the
// pool drained.
var ErrDraining = errors.New("tab pool is draining")

// Tab is a pooled browser context. Closing it tears down the underlying
// browser tab.
type Tab interface {
	Close() error
}

// Factory allocates new browser contexts for the pool.
type Factory interface {
	NewContext() (Tab, error)
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Available int `json:"available"`
	Waiting   int `json:"waiting"`
	Total     int `json:"total"`
	Size      int `json:"size"`
	Recycled  int `json:"recycled"`
}

type entry struct {
	tab      Tab
	useCount int
}

// Pool is a bounded pool over a context factory. Waiters are served
// strictly FIFO; each tab is recycled after recycleAfter leases.
type Pool struct {
	factory      Factory
	size         int
	recycleAfter int
	log          zerolog.Logger

	mu       sync.Mutex
	idle     []*entry
	leased   map[Tab]*entry
	waiters  []chan Tab
	total    int
	recycled int
	draining bool
}

// New creates a pool of at most size contexts, recycling each after
// recycleAfter leases. recycleAfter <= 0 disables recycling.
func New(factory Factory, size, recycleAfter int, log zerolog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, errors.New("pool size must be at least 1")
	}
	return &Pool{
		factory:      factory,
		size:         size,
		recycleAfter: recycleAfter,
		log:          log,
		leased:       make(map[Tab]*entry),
	}, nil
}

// Acquire leases a tab, allocating a fresh context while under capacity and
// queueing FIFO otherwise. It respects ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (Tab, error) {
	p.mu.Lock()

	if p.draining {
		p.mu.Unlock()
		return nil, ErrDraining
	}

	if n := len(p.idle); n > 0 {
		e := p.idle[0]
		p.idle = p.idle[1:]
		e.useCount++
		p.leased[e.tab] = e
		p.mu.Unlock()
		return e.tab, nil
	}

	if p.total < p.size {
		p.total++
		p.mu.Unlock()

		tab, err := p.factory.NewContext()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, errors.Wrap(err, "allocating browser context")
		}

		p.mu.Lock()
		e := &entry{tab: tab, useCount: 1}
		p.leased[tab] = e
		p.mu.Unlock()
		return tab, nil
	}

	// At capacity: wait FIFO for a release.
	ch := make(chan Tab, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case tab := <-ch:
		if tab == nil {
			return nil, ErrDraining
		}
		return tab, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A tab may have been handed off concurrently; return it.
		select {
		case tab := <-ch:
			if tab != nil {
				p.Release(tab)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Release returns a leased tab. If the tab reached its recycle threshold,
// the underlying context is closed and replaced by a fresh one.
func (p *Pool) Release(tab Tab) {
	p.mu.Lock()
	e, ok := p.leased[tab]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.leased, tab)

	if p.draining {
		p.total--
		p.mu.Unlock()
		p.closeQuietly(tab)
		return
	}

	if p.recycleAfter > 0 && e.useCount >= p.recycleAfter {
		p.recycled++
		p.mu.Unlock()
		p.closeQuietly(tab)

		fresh, err := p.factory.NewContext()
		p.mu.Lock()
		if err != nil {
			// Replacement failed: shrink instead of leaking the slot.
			p.total--
			p.log.Warn().Err(err).Msg("failed to replace recycled context")
			p.mu.Unlock()
			return
		}
		if p.draining {
			p.total--
			p.mu.Unlock()
			p.closeQuietly(fresh)
			return
		}
		e = &entry{tab: fresh}
	}

	p.handOffLocked(e)
	p.mu.Unlock()
}

// handOffLocked gives the entry to the oldest waiter or parks it idle.
func (p *Pool) handOffLocked(e *entry) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.useCount++
		p.leased[e.tab] = e
		ch <- e.tab
		return
	}
	p.idle = append(p.idle, e)
}

// Drain closes all idle contexts and fails outstanding waiters so callers
// stop fast. Leased tabs are closed as they are released.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, e := range idle {
		p.closeQuietly(e.tab)
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.idle),
		Waiting:   len(p.waiters),
		Total:     p.total,
		Size:      p.size,
		Recycled:  p.recycled,
	}
}

// closeQuietly closes a tab, logging close failures instead of propagating
// them.
func (p *Pool) closeQuietly(tab Tab) {
	if err := tab.Close(); err != nil {
		p.log.Debug().Err(err).Msg("closing browser context")
	}
}
