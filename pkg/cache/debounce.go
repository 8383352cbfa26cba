package cache

import (
	"context"
	"sync"
	"time"

	"github.com/geotrack/geotrack/pkg"
)

// Debouncer coalesces bursts of calls that share an identity. Each Wait
// replaces the pending timer for its identity; only the last caller in a
// burst is released to do the work.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*waiter
}

type waiter struct {
	timer    *time.Timer
	fired    chan struct{}
	canceled chan struct{}
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*waiter),
	}
}

// Wait blocks until the quiet period for identity elapses. It returns
// pkg.ErrSuperseded when a newer Wait for the same identity (or CancelAll)
// replaced this one, and ctx.Err() when the context ends first.
func (d *Debouncer) Wait(ctx context.Context, identity string) error {
	w := &waiter{
		fired:    make(chan struct{}),
		canceled: make(chan struct{}),
	}

	d.mu.Lock()
	if prev, ok := d.pending[identity]; ok {
		if prev.timer.Stop() {
			close(prev.canceled)
		}
	}
	w.timer = time.AfterFunc(d.delay, func() { close(w.fired) })
	d.pending[identity] = w
	d.mu.Unlock()

	select {
	case <-w.fired:
		d.release(identity, w)
		return nil
	case <-w.canceled:
		return pkg.ErrSuperseded
	case <-ctx.Done():
		d.mu.Lock()
		if w.timer.Stop() {
			close(w.canceled)
		}
		if d.pending[identity] == w {
			delete(d.pending, identity)
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

func (d *Debouncer) release(identity string, w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[identity] == w {
		delete(d.pending, identity)
	}
}

// CancelAll stops every pending timer; their waiters return pkg.ErrSuperseded
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for identity, w := range d.pending {
		if w.timer.Stop() {
			close(w.canceled)
		}
		delete(d.pending, identity)
	}
}

// Pending returns the number of identities with a timer running
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
