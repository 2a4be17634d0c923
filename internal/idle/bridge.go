// Package idle bridges coordinator busy/idle transitions to a single
// blocking "is everything idle" signal, the shape external test runners
// expect from an idling resource.
package idle

import (
	"sync"
	"time"

	"github.com/roach88/settle/internal/coord"
)

// DefaultPollInterval bounds how long a waiter can miss a change that
// produced no state transition (e.g. cancelling a scheduled task).
const DefaultPollInterval = 10 * time.Millisecond

// Bridge aggregates the idleness of a set of coordinators.
//
// The bridge is idle iff no coordinator has a completable task. It installs
// itself as the idle listener on every coordinator and recomputes on each
// transition, so it replaces any listener set earlier.
//
// Thread-safety: all methods are safe for concurrent use.
type Bridge struct {
	name   string
	coords []coord.Coordinator
	poll   time.Duration

	mu        sync.Mutex
	idle      bool
	changed   chan struct{} // closed and replaced on every recompute
	nextID    int
	callbacks map[int]func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.poll = d
		}
	}
}

// NewBridge creates a bridge named name over coords and registers with
// each of them.
func NewBridge(name string, coords []coord.Coordinator, opts ...Option) *Bridge {
	b := &Bridge{
		name:      name,
		coords:    coords,
		poll:      DefaultPollInterval,
		idle:      true,
		changed:   make(chan struct{}),
		callbacks: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(b)
	}

	listener := coord.ListenerFuncs{Idle: b.recompute, Running: b.recompute}
	for _, c := range coords {
		c.SetIdleListener(listener)
	}
	return b
}

// Name returns the bridge name.
func (b *Bridge) Name() string {
	return b.name
}

// IsIdleNow reports whether no coordinator has completable work, checking
// each coordinator directly.
func (b *Bridge) IsIdleNow() bool {
	for _, c := range b.coords {
		if c.HasPendingCompletableTasks() {
			return false
		}
	}
	return true
}

// RegisterIdleTransitionCallback calls cb on every busy-to-idle transition.
// The returned function unregisters it.
func (b *Bridge) RegisterIdleTransitionCallback(cb func()) (unregister func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.callbacks[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.callbacks, id)
	}
}

// WaitForIdle blocks until the bridge is idle or timeout elapses.
func (b *Bridge) WaitForIdle(timeout time.Duration) error {
	return b.WaitUntil(timeout, "wait_for_idle", b.IsIdleNow)
}

// WaitUntil blocks until cond holds, re-checking on every coordinator
// transition and at least every poll interval. Returns FLUSH_TIMEOUT
// naming op if timeout elapses first.
func (b *Bridge) WaitUntil(timeout time.Duration, op string, cond func() bool) error {
	if timeout <= 0 {
		return coord.NewInvalidArgument(op, "timeout must be positive, got %s", timeout)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		// Grab the channel before checking so a transition between the
		// check and the wait is not lost.
		b.mu.Lock()
		ch := b.changed
		b.mu.Unlock()

		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-deadline.C:
			if cond() {
				return nil
			}
			return coord.NewFlushTimeout(op, timeout.Milliseconds())
		}
	}
}

// Close detaches the bridge from its coordinators.
func (b *Bridge) Close() {
	for _, c := range b.coords {
		c.SetIdleListener(nil)
	}
}

func (b *Bridge) recompute() {
	b.mu.Lock()
	wasIdle := b.idle
	b.idle = b.IsIdleNow()
	close(b.changed)
	b.changed = make(chan struct{})

	var fire []func()
	if b.idle && !wasIdle {
		fire = make([]func(), 0, len(b.callbacks))
		for _, cb := range b.callbacks {
			fire = append(fire, cb)
		}
	}
	b.mu.Unlock()

	for _, cb := range fire {
		cb()
	}
}
