package executor

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
)

// Deferred is the virtual-time backend.
//
// Submitted work never runs on the submitting goroutine and never runs by
// itself: tasks become eligible once the shared VirtualClock reaches their
// target, and only execute when RunCurrent drains them. Eligible tasks run
// one after another in (target, sequence) order on the worker pool, so a
// task always completes before the next one starts.
//
// Thread-safety: all methods are safe for concurrent use. Task bodies may
// submit more work to any executor, including this one.
type Deferred struct {
	base

	clk         *clock.VirtualClock
	unsubscribe func()

	drainMu sync.Mutex // one flush at a time

	mu        sync.Mutex
	pending   []*Task // sorted by (target, seq)
	executing int
}

var _ Executor = (*Deferred)(nil)

// NewDeferred creates a deferred executor on clk. Its worker pool and
// clock subscription are released once it terminates, so every executor
// must be shut down (Shutdown, then drained, or ShutdownNow) when done.
func NewDeferred(clk *clock.VirtualClock, opts ...Option) *Deferred {
	o := defaultOptions("deferred")
	for _, opt := range opts {
		opt(&o)
	}

	d := &Deferred{clk: clk}
	d.init(o)
	d.unsubscribe = clk.Subscribe(func(int64) {
		d.refresh()
	})
	return d
}

// Submit implements Executor.
func (d *Deferred) Submit(body Func, delay time.Duration) (*Future, error) {
	if err := d.validateDelay("submit", delay); err != nil {
		return nil, err
	}
	return d.submitMillis("submit", body, delay.Milliseconds())
}

// Execute implements Executor.
func (d *Deferred) Execute(fn func()) error {
	_, err := d.Submit(func() (any, error) {
		fn()
		return nil, nil
	}, 0)
	return err
}

// ScheduleRecurring implements Executor.
func (d *Deferred) ScheduleRecurring(body func() error, initialDelay, period time.Duration, fixedRate bool) (*Recurring, error) {
	return scheduleRecurring(&d.base, d, body, initialDelay, period, fixedRate)
}

func (d *Deferred) nowMillis() int64 {
	return d.clk.NowMillis()
}

func (d *Deferred) submitMillis(op string, body Func, delayMillis int64) (*Future, error) {
	d.mu.Lock()
	if d.shutdown.Load() {
		d.mu.Unlock()
		return nil, coord.NewRejected(d.op(op), d.name)
	}
	t := newTask(d.clk.NowMillis()+delayMillis, d.seq.Add(1), body)
	t.future.onCancel = func() { d.remove(t) }
	d.insertLocked(t)
	d.mu.Unlock()

	d.logger.Debug("task submitted", "target_ms", t.target, "seq", t.seq)
	d.refresh()
	return t.future, nil
}

func (d *Deferred) insertLocked(t *Task) {
	i := sort.Search(len(d.pending), func(i int) bool {
		return t.before(d.pending[i])
	})
	d.pending = slices.Insert(d.pending, i, t)
}

func (d *Deferred) remove(t *Task) {
	d.mu.Lock()
	if i := slices.Index(d.pending, t); i >= 0 {
		d.pending = slices.Delete(d.pending, i, i+1)
	}
	d.mu.Unlock()

	d.refresh()
	d.checkTerminated()
}

// HasPendingTasks implements coord.Coordinator.
func (d *Deferred) HasPendingTasks() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0 || d.executing > 0
}

// HasPendingCompletableTasks implements coord.Coordinator.
func (d *Deferred) HasPendingCompletableTasks() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busyLocked()
}

func (d *Deferred) busyLocked() bool {
	if d.executing > 0 {
		return true
	}
	return len(d.pending) > 0 && d.pending[0].target <= d.clk.NowMillis()
}

// VirtualTime implements coord.TimeBase.
func (d *Deferred) VirtualTime() bool {
	return true
}

// NextFutureTaskTime implements coord.Coordinator.
func (d *Deferred) NextFutureTaskTime(afterMillis int64) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.pending), func(i int) bool {
		return d.pending[i].target > afterMillis
	})
	if i == len(d.pending) {
		return 0, false
	}
	return d.pending[i].target, true
}

// PendingCount returns the number of queued tasks.
func (d *Deferred) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// RunCurrent implements coord.Coordinator.
//
// If the drain does not finish within timeout a FLUSH_TIMEOUT error is
// returned; the drain keeps going in the background and a later RunCurrent
// waits for it.
func (d *Deferred) RunCurrent(timeout time.Duration) error {
	op := d.op("run_current")
	if err := validateTimeout(op, timeout); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.drainMu.Lock()
		defer d.drainMu.Unlock()
		d.flush()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		d.logger.Warn("flush timed out", "timeout_ms", timeout.Milliseconds())
		return coord.NewFlushTimeout(op, timeout.Milliseconds())
	}
}

// flush runs eligible tasks one at a time until none remain. Tasks queued
// by a running task with a target at or before now sort after every task
// that was already eligible, so taking the head each time preserves pass
// order.
func (d *Deferred) flush() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 || d.pending[0].target > d.clk.NowMillis() {
			d.mu.Unlock()
			return
		}
		t := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.executing++
		d.mu.Unlock()

		done := make(chan struct{})
		job := func() {
			defer close(done)
			d.run(t)
		}
		if !d.pool.Submit(job) {
			job()
		}
		<-done

		d.mu.Lock()
		d.executing--
		d.mu.Unlock()
		d.refresh()
		d.checkTerminated()
	}
}

// Shutdown implements Executor.
func (d *Deferred) Shutdown() {
	d.mu.Lock()
	d.shutdown.Store(true)
	d.mu.Unlock()

	d.logger.Debug("executor shut down")
	d.stopRecurring()
	d.checkTerminated()
}

// ShutdownNow implements Executor.
func (d *Deferred) ShutdownNow() []*Task {
	d.mu.Lock()
	d.shutdown.Store(true)
	drained := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, t := range drained {
		t.future.cancelDetached()
	}
	d.logger.Debug("executor shut down now", "cancelled", len(drained))
	d.stopRecurring()
	d.refresh()
	d.checkTerminated()
	return drained
}

// IsTerminated implements Executor.
func (d *Deferred) IsTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminatedLocked()
}

func (d *Deferred) terminatedLocked() bool {
	return d.shutdown.Load() && len(d.pending) == 0 && d.executing == 0
}

func (d *Deferred) checkTerminated() {
	d.mu.Lock()
	done := d.terminatedLocked()
	d.mu.Unlock()
	if done {
		d.markTerminated(d.unsubscribe)
	}
}

// refresh recomputes the busy/idle state after any change.
func (d *Deferred) refresh() {
	d.notifier.Update(func() coord.State {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.busyLocked() {
			return coord.StateRunning
		}
		return coord.StateIdle
	})
}
