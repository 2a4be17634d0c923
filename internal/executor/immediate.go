package executor

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
)

// Immediate is the real-time backend.
//
// Work is handed to the worker pool as soon as it is due: at once for a
// zero delay, or when a wall-clock timer fires. Busy/idle state is derived
// only from the in-flight counter, which is raised before a task is handed
// to the pool, so there is no idle gap between a due timer and its body.
//
// Thread-safety: all methods are safe for concurrent use.
type Immediate struct {
	base

	wall clock.Wall

	mu        sync.Mutex
	scheduled map[*Task]clock.Timer
	inFlight  int
}

var _ Executor = (*Immediate)(nil)

// NewImmediate creates an immediate executor. Its worker pool is released
// once it terminates; call Shutdown or ShutdownNow when done.
func NewImmediate(opts ...Option) *Immediate {
	o := defaultOptions("immediate")
	for _, opt := range opts {
		opt(&o)
	}

	e := &Immediate{
		wall:      o.wall,
		scheduled: make(map[*Task]clock.Timer),
	}
	e.init(o)
	return e
}

// Submit implements Executor.
func (e *Immediate) Submit(body Func, delay time.Duration) (*Future, error) {
	if err := e.validateDelay("submit", delay); err != nil {
		return nil, err
	}
	return e.submit("submit", body, delay)
}

// Execute implements Executor.
func (e *Immediate) Execute(fn func()) error {
	_, err := e.Submit(func() (any, error) {
		fn()
		return nil, nil
	}, 0)
	return err
}

// ScheduleRecurring implements Executor.
func (e *Immediate) ScheduleRecurring(body func() error, initialDelay, period time.Duration, fixedRate bool) (*Recurring, error) {
	return scheduleRecurring(&e.base, e, body, initialDelay, period, fixedRate)
}

func (e *Immediate) nowMillis() int64 {
	return e.wall.NowMillis()
}

func (e *Immediate) submitMillis(op string, body Func, delayMillis int64) (*Future, error) {
	return e.submit(op, body, time.Duration(delayMillis)*time.Millisecond)
}

func (e *Immediate) submit(op string, body Func, delay time.Duration) (*Future, error) {
	e.mu.Lock()
	if e.shutdown.Load() {
		e.mu.Unlock()
		return nil, coord.NewRejected(e.op(op), e.name)
	}
	t := newTask(e.wall.NowMillis()+delay.Milliseconds(), e.seq.Add(1), body)
	t.future.onCancel = func() { e.unschedule(t) }

	if delay <= 0 {
		e.inFlight++
		e.mu.Unlock()
		e.refresh()
		e.dispatch(t)
		return t.future, nil
	}

	// The callback takes mu, so it cannot observe the map before the timer
	// is recorded.
	e.scheduled[t] = e.wall.AfterFunc(delay, func() { e.fire(t) })
	e.mu.Unlock()

	e.logger.Debug("task scheduled", "target_ms", t.target, "seq", t.seq)
	return t.future, nil
}

func (e *Immediate) fire(t *Task) {
	e.mu.Lock()
	if _, ok := e.scheduled[t]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.scheduled, t)
	e.inFlight++
	e.mu.Unlock()

	e.refresh()
	e.dispatch(t)
}

func (e *Immediate) dispatch(t *Task) {
	job := func() {
		e.run(t)

		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
		e.refresh()
		e.checkTerminated()
	}
	if !e.pool.Submit(job) {
		go job()
	}
}

func (e *Immediate) unschedule(t *Task) {
	e.mu.Lock()
	if timer, ok := e.scheduled[t]; ok {
		timer.Stop()
		delete(e.scheduled, t)
	}
	e.mu.Unlock()
	e.checkTerminated()
}

// HasPendingTasks implements coord.Coordinator.
func (e *Immediate) HasPendingTasks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled) > 0 || e.inFlight > 0
}

// HasPendingCompletableTasks implements coord.Coordinator. A timer that is
// overdue but has not fired yet counts as completable.
func (e *Immediate) HasPendingCompletableTasks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight > 0 {
		return true
	}
	now := e.wall.NowMillis()
	for t := range e.scheduled {
		if t.target <= now {
			return true
		}
	}
	return false
}

// VirtualTime implements coord.TimeBase. Immediate task times are on the
// wall clock's base.
func (e *Immediate) VirtualTime() bool {
	return false
}

// NextFutureTaskTime implements coord.Coordinator. Times are on the wall
// clock's base.
func (e *Immediate) NextFutureTaskTime(afterMillis int64) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var (
		next  int64
		found bool
	)
	for t := range e.scheduled {
		if t.target > afterMillis && (!found || t.target < next) {
			next, found = t.target, true
		}
	}
	return next, found
}

// InFlight returns the number of dispatched, unfinished tasks.
func (e *Immediate) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// RunCurrent implements coord.Coordinator. Work is already running on real
// goroutines, so there is nothing to drain.
func (e *Immediate) RunCurrent(timeout time.Duration) error {
	return validateTimeout(e.op("run_current"), timeout)
}

// Shutdown implements Executor. Scheduled one-off tasks still fire.
func (e *Immediate) Shutdown() {
	e.mu.Lock()
	e.shutdown.Store(true)
	e.mu.Unlock()

	e.logger.Debug("executor shut down")
	e.stopRecurring()
	e.checkTerminated()
}

// ShutdownNow implements Executor. In-flight tasks are not interrupted.
func (e *Immediate) ShutdownNow() []*Task {
	e.mu.Lock()
	e.shutdown.Store(true)
	drained := make([]*Task, 0, len(e.scheduled))
	for t, timer := range e.scheduled {
		timer.Stop()
		drained = append(drained, t)
	}
	clear(e.scheduled)
	e.mu.Unlock()

	slices.SortFunc(drained, compareTasks)
	for _, t := range drained {
		t.future.cancelDetached()
	}
	e.logger.Debug("executor shut down now", "cancelled", len(drained))
	e.stopRecurring()
	e.checkTerminated()
	return drained
}

// IsTerminated implements Executor.
func (e *Immediate) IsTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminatedLocked()
}

func (e *Immediate) terminatedLocked() bool {
	return e.shutdown.Load() && len(e.scheduled) == 0 && e.inFlight == 0
}

func (e *Immediate) checkTerminated() {
	e.mu.Lock()
	done := e.terminatedLocked()
	e.mu.Unlock()
	if done {
		e.markTerminated(nil)
	}
}

func (e *Immediate) refresh() {
	e.notifier.Update(func() coord.State {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inFlight > 0 {
			return coord.StateRunning
		}
		return coord.StateIdle
	})
}
