package executor

import (
	"errors"
	"sync"
	"time"

	"github.com/roach88/settle/internal/coord"
)

// scheduler is what a Recurring needs from its backend.
type scheduler interface {
	nowMillis() int64
	submitMillis(op string, body Func, delayMillis int64) (*Future, error)
}

// Recurring is the handle of a repeating schedule.
//
// At most one instance of the schedule is queued or running at a time. The
// next instance is queued from inside the current one, after its body
// returns, so the executor never looks idle between two runs.
//
// Thread-safety: all methods are safe for concurrent use.
type Recurring struct {
	sched     scheduler
	owner     *base
	body      func() error
	period    int64
	fixedRate bool
	done      chan struct{}

	mu        sync.Mutex
	current   *Future
	runs      int
	cancelled bool
	finished  bool
	err       error
}

func scheduleRecurring(owner *base, s scheduler, body func() error, initialDelay, period time.Duration, fixedRate bool) (*Recurring, error) {
	op := owner.op("schedule_recurring")
	if initialDelay < 0 {
		return nil, coord.NewInvalidArgument(op, "negative initial delay %s", initialDelay)
	}
	if period.Milliseconds() <= 0 {
		return nil, coord.NewInvalidArgument(op, "period must be at least 1ms, got %s", period)
	}

	r := &Recurring{
		sched:     s,
		owner:     owner,
		body:      body,
		period:    period.Milliseconds(),
		fixedRate: fixedRate,
		done:      make(chan struct{}),
	}

	// Hold mu across the first submission so a run that starts immediately
	// cannot re-arm before current is recorded.
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := s.submitMillis("schedule_recurring", r.runOnce, initialDelay.Milliseconds())
	if err != nil {
		return nil, err
	}
	r.current = f
	owner.addRecurring(r)
	return r, nil
}

// runOnce is the body of every queued instance.
func (r *Recurring) runOnce() (any, error) {
	start := r.sched.nowMillis()
	err := invokeErr(r.body)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs++
	if r.finished || r.cancelled {
		return nil, err
	}
	if err != nil {
		r.finishLocked(err)
		return nil, err
	}

	now := r.sched.nowMillis()
	next := now + r.period
	if r.fixedRate {
		next = start + r.period
	}
	f, serr := r.sched.submitMillis("schedule_recurring", r.runOnce, max(next-now, 0))
	if serr != nil {
		// Shut down underneath us: the schedule simply ends.
		r.finishLocked(nil)
		return nil, nil
	}
	r.current = f
	return nil, nil
}

// Cancel stops the schedule. A queued instance is removed; a running one
// finishes but does not re-arm. Returns false if the schedule had already
// ended.
func (r *Recurring) Cancel() bool {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	cur := r.current
	r.finishLocked(ErrCancelled)
	r.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}
	return true
}

// stop ends the schedule with a nil error. Used on shutdown.
func (r *Recurring) stop() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	cur := r.current
	r.finishLocked(nil)
	r.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}
}

// Done returns a channel closed when the schedule ends.
func (r *Recurring) Done() <-chan struct{} {
	return r.done
}

// Err returns why the schedule ended: nil for shutdown, ErrCancelled for
// Cancel, or the first error returned by the body. Nil while still live.
func (r *Recurring) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Runs returns how many times the body has run.
func (r *Recurring) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// Current returns the future of the queued or running instance.
func (r *Recurring) Current() *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Recurring) finishLocked(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.err = err
	close(r.done)
	r.owner.removeRecurring(r)
}

func invokeErr(body func() error) error {
	_, err := invoke(func() (any, error) {
		return nil, body()
	})
	return err
}

// IsPanic reports whether err came from a panicking task body.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
