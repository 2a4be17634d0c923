// Package looper provides a single-goroutine message loop driven by virtual
// time, standing in for a platform main/UI loop in tests.
//
// A Looper is "paused": messages only run when the test asks it to go idle
// (Idle or RunCurrent), and they always run on the looper's own goroutine,
// never on the caller's. Messages are ordered by (when, sequence), so
// delayed posts interleave deterministically with immediate ones.
package looper

import (
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
)

type message struct {
	when int64
	seq  uint64
	fn   func()
}

func (m *message) before(o *message) bool {
	if m.when != o.when {
		return m.when < o.when
	}
	return m.seq < o.seq
}

// Looper is a paused message loop on a VirtualClock.
//
// Thread-safety: Post, PostDelayed, PostAtFront and the Coordinator methods
// are safe from any goroutine, including from messages themselves.
type Looper struct {
	name   string
	clk    *clock.VirtualClock
	logger *slog.Logger

	notifier    *coord.Notifier
	unsubscribe func()

	requests chan chan struct{}
	quitCh   chan struct{}
	quitOnce sync.Once
	exited   chan struct{}

	mu          sync.Mutex
	queue       []*message
	seq         uint64
	dispatching bool
	quit        bool
	dispatched  int
}

var _ coord.Coordinator = (*Looper)(nil)

// Option configures a Looper.
type Option func(*Looper)

// WithName sets the name used in logs and errors.
func WithName(name string) Option {
	return func(l *Looper) {
		l.name = name
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Looper) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a looper on clk and starts its goroutine. Call Quit to stop it.
func New(clk *clock.VirtualClock, opts ...Option) *Looper {
	l := &Looper{
		name:     "main",
		clk:      clk,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifier: coord.NewNotifier(),
		requests: make(chan chan struct{}),
		quitCh:   make(chan struct{}),
		exited:   make(chan struct{}),
		queue:    make([]*message, 0, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("looper", l.name)
	l.unsubscribe = clk.Subscribe(func(int64) { l.refresh() })

	go l.loop()
	return l
}

// Name returns the looper name.
func (l *Looper) Name() string {
	return l.name
}

// Post queues fn to run at the current virtual time.
func (l *Looper) Post(fn func()) error {
	return l.PostDelayed(fn, 0)
}

// PostDelayed queues fn to run once virtual time has advanced by delay.
func (l *Looper) PostDelayed(fn func(), delay time.Duration) error {
	if delay < 0 {
		return coord.NewInvalidArgument(l.op("post"), "negative delay %s", delay)
	}
	return l.enqueue(l.clk.NowMillis()+delay.Milliseconds(), fn)
}

// PostAtFront queues fn ahead of every other message, due or not.
func (l *Looper) PostAtFront(fn func()) error {
	return l.enqueue(math.MinInt64, fn)
}

func (l *Looper) enqueue(when int64, fn func()) error {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return coord.NewRejected(l.op("post"), l.name)
	}
	l.seq++
	m := &message{when: when, seq: l.seq, fn: fn}
	i := sort.Search(len(l.queue), func(i int) bool { return m.before(l.queue[i]) })
	l.queue = slices.Insert(l.queue, i, m)
	l.mu.Unlock()

	l.refresh()
	return nil
}

// RemoveAll drops every queued message.
func (l *Looper) RemoveAll() {
	l.mu.Lock()
	clear(l.queue)
	l.queue = l.queue[:0]
	l.mu.Unlock()
	l.refresh()
}

// Quit stops the loop and releases its goroutine and clock subscription;
// every looper must be quit once it is no longer needed. Queued messages
// are discarded and later posts are rejected.
//
// When no message is running, Quit returns after the loop goroutine has
// exited. When one is running (including a message quitting its own
// looper), Quit returns at once and the message finishes on the loop; use
// Done to wait for the exit.
func (l *Looper) Quit() {
	l.mu.Lock()
	l.quit = true
	clear(l.queue)
	l.queue = l.queue[:0]
	running := l.dispatching
	l.mu.Unlock()

	l.quitOnce.Do(func() {
		close(l.quitCh)
		l.unsubscribe()
	})
	if !running {
		<-l.exited
	}
	l.refresh()
}

// Done is closed once the loop goroutine has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.exited
}

// Dispatched returns how many messages have run.
func (l *Looper) Dispatched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatched
}

// Idle runs every due message on the loop goroutine, including messages
// that become due as a consequence, and returns once none remain.
func (l *Looper) Idle(timeout time.Duration) error {
	op := l.op("idle")
	if timeout <= 0 {
		return coord.NewInvalidArgument(op, "timeout must be positive, got %s", timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	req := make(chan struct{})
	select {
	case l.requests <- req:
	case <-l.quitCh:
		return coord.NewRejected(op, l.name)
	case <-timer.C:
		return coord.NewFlushTimeout(op, timeout.Milliseconds())
	}

	select {
	case <-req:
		return nil
	case <-l.exited:
		// The loop closes req before it exits.
		select {
		case <-req:
			return nil
		default:
		}
		return coord.NewRejected(op, l.name)
	case <-timer.C:
		l.logger.Warn("idle timed out", "timeout_ms", timeout.Milliseconds())
		return coord.NewFlushTimeout(op, timeout.Milliseconds())
	}
}

// RunCurrent implements coord.Coordinator.
func (l *Looper) RunCurrent(timeout time.Duration) error {
	return l.Idle(timeout)
}

// HasPendingTasks implements coord.Coordinator.
func (l *Looper) HasPendingTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) > 0 || l.dispatching
}

// HasPendingCompletableTasks implements coord.Coordinator.
func (l *Looper) HasPendingCompletableTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busyLocked()
}

// IsIdle reports whether nothing is running or due.
func (l *Looper) IsIdle() bool {
	return !l.HasPendingCompletableTasks()
}

// NextFutureTaskTime implements coord.Coordinator.
func (l *Looper) NextFutureTaskTime(afterMillis int64) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.queue {
		if m.when > afterMillis {
			return m.when, true
		}
	}
	return 0, false
}

// VirtualTime implements coord.TimeBase.
func (l *Looper) VirtualTime() bool {
	return true
}

// SetIdleListener implements coord.Coordinator.
func (l *Looper) SetIdleListener(listener coord.IdleListener) {
	l.notifier.SetListener(listener)
}

func (l *Looper) busyLocked() bool {
	if l.dispatching {
		return true
	}
	return len(l.queue) > 0 && l.queue[0].when <= l.clk.NowMillis()
}

func (l *Looper) loop() {
	defer close(l.exited)
	for {
		select {
		case req := <-l.requests:
			l.drain()
			close(req)
		case <-l.quitCh:
			return
		}
	}
}

func (l *Looper) drain() {
	for {
		l.mu.Lock()
		if l.quit || len(l.queue) == 0 || l.queue[0].when > l.clk.NowMillis() {
			l.mu.Unlock()
			return
		}
		m := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.dispatching = true
		l.mu.Unlock()

		l.dispatch(m)

		l.mu.Lock()
		l.dispatching = false
		l.dispatched++
		l.mu.Unlock()
		l.refresh()
	}
}

func (l *Looper) dispatch(m *message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("message panicked", "when_ms", m.when, "seq", m.seq, "panic", r)
		}
	}()
	m.fn()
}

func (l *Looper) refresh() {
	l.notifier.Update(func() coord.State {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.busyLocked() {
			return coord.StateRunning
		}
		return coord.StateIdle
	})
}

func (l *Looper) op(name string) string {
	return "looper " + l.name + ": " + name
}
