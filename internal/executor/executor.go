package executor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
)

// Executor is a monitored task-execution context.
type Executor interface {
	coord.Coordinator

	// Name identifies the executor in logs, errors and traces.
	Name() string

	// Submit schedules body to run no earlier than delay from now.
	Submit(body Func, delay time.Duration) (*Future, error)

	// Execute schedules fn to run as soon as possible.
	Execute(fn func()) error

	// ScheduleRecurring runs body first after initialDelay and then
	// repeatedly every period until cancelled, failed, or shut down.
	ScheduleRecurring(body func() error, initialDelay, period time.Duration, fixedRate bool) (*Recurring, error)

	// Shutdown stops accepting new work. Queued one-off tasks still run;
	// recurring schedules are stopped.
	Shutdown()

	// ShutdownNow stops accepting new work, cancels every queued task and
	// returns them unexecuted in (target, sequence) order.
	ShutdownNow() []*Task

	IsShutdown() bool
	IsTerminated() bool

	// AwaitTermination blocks until the executor terminates or timeout
	// elapses, returning whether it terminated.
	AwaitTermination(timeout time.Duration) bool
}

// Option configures an executor.
type Option func(*options)

type options struct {
	name    string
	workers int
	logger  *slog.Logger
	wall    clock.Wall
}

func defaultOptions(name string) options {
	return options{
		name:    name,
		workers: DefaultWorkers,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		wall:    clock.Real(),
	}
}

// WithName sets the executor name.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithWorkers sets the worker pool size. Values below 1 keep the default.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWall sets the wall clock used by immediate executors for delays.
// Ignored by deferred executors.
func WithWall(w clock.Wall) Option {
	return func(o *options) {
		if w != nil {
			o.wall = w
		}
	}
}

// base carries the bookkeeping shared by both backends.
type base struct {
	name     string
	logger   *slog.Logger
	pool     *Pool
	notifier *coord.Notifier
	seq      atomic.Uint64

	shutdown   atomic.Bool
	terminated chan struct{}
	termOnce   sync.Once

	recurMu   sync.Mutex
	recurring map[*Recurring]struct{}
}

func (b *base) init(o options) {
	b.name = o.name
	b.logger = o.logger.With("executor", o.name)
	b.pool = NewPool(o.workers)
	b.notifier = coord.NewNotifier()
	b.terminated = make(chan struct{})
	b.recurring = make(map[*Recurring]struct{})
}

// Name returns the executor name.
func (b *base) Name() string {
	return b.name
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (b *base) IsShutdown() bool {
	return b.shutdown.Load()
}

// SetIdleListener implements coord.Coordinator.
func (b *base) SetIdleListener(l coord.IdleListener) {
	b.notifier.SetListener(l)
}

// AwaitTermination implements Executor.
func (b *base) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-b.terminated:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.terminated:
		return true
	case <-t.C:
		return false
	}
}

func (b *base) op(name string) string {
	return "executor " + b.name + ": " + name
}

func (b *base) validateDelay(op string, delay time.Duration) error {
	if delay < 0 {
		return coord.NewInvalidArgument(b.op(op), "negative delay %s", delay)
	}
	return nil
}

func validateTimeout(op string, timeout time.Duration) error {
	if timeout <= 0 {
		return coord.NewInvalidArgument(op, "timeout must be positive, got %s", timeout)
	}
	return nil
}

// markTerminated closes the terminated channel and releases the pool once.
func (b *base) markTerminated(release func()) {
	b.termOnce.Do(func() {
		close(b.terminated)
		b.pool.Close()
		if release != nil {
			release()
		}
		b.logger.Debug("executor terminated")
	})
}

func (b *base) addRecurring(r *Recurring) {
	b.recurMu.Lock()
	defer b.recurMu.Unlock()
	b.recurring[r] = struct{}{}
}

func (b *base) removeRecurring(r *Recurring) {
	b.recurMu.Lock()
	defer b.recurMu.Unlock()
	delete(b.recurring, r)
}

// stopRecurring ends every live recurring schedule with a nil error.
func (b *base) stopRecurring() {
	b.recurMu.Lock()
	live := make([]*Recurring, 0, len(b.recurring))
	for r := range b.recurring {
		live = append(live, r)
	}
	b.recurMu.Unlock()

	for _, r := range live {
		r.stop()
	}
}

// run executes t's body if it was not cancelled first, recording the
// outcome on its future.
func (b *base) run(t *Task) {
	if !t.future.start() {
		return
	}
	v, err := invoke(t.body)
	t.future.finish(v, err)

	if err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			b.logger.Warn("task panicked", "target_ms", t.target, "seq", t.seq, "panic", pe.Value)
		} else {
			b.logger.Debug("task failed", "target_ms", t.target, "seq", t.seq, "error", err)
		}
	}
}
