package coord

import (
	"sync"
	"time"
)

// State is the observable busy/idle state of a coordinator.
type State int

const (
	// StateIdle means no task is executing and none is eligible to run.
	StateIdle State = iota
	// StateRunning means a task is executing or eligible to run now.
	StateRunning
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// IdleListener receives busy/idle transitions from a coordinator.
//
// Callbacks are delivered one at a time per coordinator and may arrive on
// any goroutine. A listener must not submit work to the coordinator that is
// notifying it.
type IdleListener interface {
	OnCoordinatorIdle()
	OnCoordinatorRunning()
}

// ListenerFuncs adapts a pair of functions to IdleListener. Nil fields are
// ignored.
type ListenerFuncs struct {
	Idle    func()
	Running func()
}

// OnCoordinatorIdle implements IdleListener.
func (f ListenerFuncs) OnCoordinatorIdle() {
	if f.Idle != nil {
		f.Idle()
	}
}

// OnCoordinatorRunning implements IdleListener.
func (f ListenerFuncs) OnCoordinatorRunning() {
	if f.Running != nil {
		f.Running()
	}
}

// Coordinator is the uniform monitoring and draining surface of one
// execution context.
type Coordinator interface {
	// HasPendingTasks reports whether any task is queued, at any time, or
	// currently executing.
	HasPendingTasks() bool

	// HasPendingCompletableTasks reports whether any task is executing or
	// eligible to run at the current time.
	HasPendingCompletableTasks() bool

	// NextFutureTaskTime returns the smallest task target strictly greater
	// than afterMillis, or false if there is none.
	NextFutureTaskTime(afterMillis int64) (int64, bool)

	// RunCurrent drains all currently eligible work, including work that
	// becomes eligible as a consequence, bounded by timeout.
	RunCurrent(timeout time.Duration) error

	// SetIdleListener installs l as the single listener and synchronously
	// delivers the current state to it.
	SetIdleListener(l IdleListener)
}

// TimeBase is implemented by coordinators that report which clock their
// task times are measured on. A coordinator that does not implement it is
// taken to run on the virtual clock.
type TimeBase interface {
	// VirtualTime reports whether task times are virtual milliseconds.
	VirtualTime() bool
}

// RunsOnVirtualTime reports whether c's task times are on the virtual clock.
func RunsOnVirtualTime(c Coordinator) bool {
	tb, ok := c.(TimeBase)
	return !ok || tb.VirtualTime()
}

// Notifier tracks the last reported state of a coordinator and delivers
// transitions to its listener.
//
// Thread-safety: all methods are safe for concurrent use. Deliveries are
// serialized, so a listener never observes two callbacks at once from the
// same Notifier.
type Notifier struct {
	deliver sync.Mutex // serializes compute+callback

	mu       sync.Mutex
	state    State
	listener IdleListener
}

// NewNotifier creates a Notifier starting in StateIdle.
func NewNotifier() *Notifier {
	return &Notifier{state: StateIdle}
}

// State returns the last computed state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Update recomputes the state and notifies the listener only if it changed.
//
// compute is called with the delivery lock held, so two concurrent updates
// can never report stale states out of order. Callers must not hold locks
// that compute or the listener need.
func (n *Notifier) Update(compute func() State) {
	n.deliver.Lock()
	defer n.deliver.Unlock()

	next := compute()

	n.mu.Lock()
	if next == n.state {
		n.mu.Unlock()
		return
	}
	n.state = next
	l := n.listener
	n.mu.Unlock()

	if l != nil {
		deliver(l, next)
	}
}

// SetListener replaces the listener and delivers the current state to it
// before returning. Passing nil removes the listener.
func (n *Notifier) SetListener(l IdleListener) {
	n.deliver.Lock()
	defer n.deliver.Unlock()

	n.mu.Lock()
	n.listener = l
	current := n.state
	n.mu.Unlock()

	if l != nil {
		deliver(l, current)
	}
}

func deliver(l IdleListener, s State) {
	if s == StateIdle {
		l.OnCoordinatorIdle()
		return
	}
	l.OnCoordinatorRunning()
}
