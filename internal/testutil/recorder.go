package testutil

import (
	"sync"
	"time"
)

// Recorder is a thread-safe, ordered log of labels. Task bodies record
// into it so tests can assert on execution order.
type Recorder struct {
	mu     sync.Mutex
	events []string
	signal chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{signal: make(chan struct{}, 1)}
}

// Record appends label.
func (r *Recorder) Record(label string) {
	r.mu.Lock()
	r.events = append(r.events, label)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Func returns a task body that records label.
func (r *Recorder) Func(label string) func() {
	return func() { r.Record(label) }
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

// Len returns the number of recorded labels.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WaitFor blocks until at least n labels were recorded or timeout elapses.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Len() >= n {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return r.Len() >= n
		}
	}
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
