package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrCancelled is the result error of a task whose future was cancelled.
var ErrCancelled = errors.New("task cancelled")

// Func is a task body. Its result and error are recorded on the task's
// Future and never propagate to the coordinator that ran it.
type Func func() (any, error)

// PanicError records a panic recovered from a task body.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// invoke runs body, converting a panic into a *PanicError.
func invoke(body Func) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return body()
}

// Task is one unit of scheduled work.
//
// Tasks are ordered by (TargetMillis, Sequence). Sequence is assigned at
// submission and is unique per executor, so ordering is total.
type Task struct {
	target int64
	seq    uint64
	body   Func
	future *Future
}

func newTask(target int64, seq uint64, body Func) *Task {
	return &Task{
		target: target,
		seq:    seq,
		body:   body,
		future: newFuture(target),
	}
}

// TargetMillis returns the earliest time at which the task may run.
func (t *Task) TargetMillis() int64 {
	return t.target
}

// Sequence returns the submission order tie-breaker.
func (t *Task) Sequence() uint64 {
	return t.seq
}

// Future returns the task's completion handle.
func (t *Task) Future() *Future {
	return t.future
}

// Run executes the task body on the calling goroutine and returns its
// result. It is intended for tasks handed back by ShutdownNow, whose
// futures are already cancelled and therefore do not record the result.
func (t *Task) Run() (any, error) {
	return invoke(t.body)
}

// before reports whether t sorts ahead of o.
func (t *Task) before(o *Task) bool {
	if t.target != o.target {
		return t.target < o.target
	}
	return t.seq < o.seq
}

func compareTasks(a, b *Task) int {
	switch {
	case a.before(b):
		return -1
	case b.before(a):
		return 1
	default:
		return 0
	}
}

// Future is the completion handle of a submitted task.
//
// Thread-safety: all methods are safe for concurrent use.
type Future struct {
	runAt int64
	done  chan struct{}

	mu        sync.Mutex
	value     any
	err       error
	running   bool
	completed bool
	cancelled bool
	onCancel  func() // removes the task from its backend's pending set
}

func newFuture(runAt int64) *Future {
	return &Future{runAt: runAt, done: make(chan struct{})}
}

// RunAtMillis returns the task's target time on its executor's time base.
func (f *Future) RunAtMillis() int64 {
	return f.runAt
}

// Done returns a channel closed when the task completes or is cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed or been cancelled.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether Cancel succeeded on this future.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Result returns the task's outcome. ok is false while the task has not
// completed.
func (f *Future) Result() (value any, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		return nil, nil, false
	}
	return f.value, f.err, true
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the task.
//
// A pending task is removed from its executor and never runs. A running
// task keeps running but its result is discarded. Cancelling a completed or
// already-cancelled task does nothing and returns false.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	if f.completed || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.cancelled = true
	running := f.running
	onCancel := f.onCancel
	f.mu.Unlock()

	if !running {
		if onCancel != nil {
			onCancel()
		}
		f.finish(nil, ErrCancelled)
	}
	return true
}

// cancelDetached cancels without calling back into the backend. Used when
// the backend has already removed the task.
func (f *Future) cancelDetached() {
	f.mu.Lock()
	if f.completed || f.cancelled {
		f.mu.Unlock()
		return
	}
	f.cancelled = true
	f.mu.Unlock()
	f.finish(nil, ErrCancelled)
}

// start marks the task running. Returns false if it was cancelled first.
func (f *Future) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled || f.completed {
		return false
	}
	f.running = true
	return true
}

func (f *Future) finish(value any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return
	}
	f.completed = true
	f.running = false
	if f.cancelled {
		value, err = nil, ErrCancelled
	}
	f.value = value
	f.err = err
	close(f.done)
}
