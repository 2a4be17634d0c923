// Package coord defines the contract every task-execution context exposes to
// the test-side aggregator.
//
// A coordinator is anything that holds queued work and can be asked to drain
// it: a deferred executor on virtual time, an immediate executor backed by
// real goroutines, or a single-threaded looper. The aggregator in package
// dispatch only ever talks to the five methods of Coordinator, which is what
// lets heterogeneous execution contexts be driven in lockstep.
//
// STATE MODEL:
//
// Every coordinator is either IDLE (nothing runnable right now) or RUNNING.
// Transitions are reported to at most one IdleListener, never twice in a row
// for the same state. The Notifier type implements that bookkeeping so the
// backends only have to say how to compute their current state.
//
// ERRORS:
//
// All caller-visible failures are *Error values carrying one of four codes:
//   - INVALID_ARGUMENT: negative delays or advances, non-positive timeouts
//   - REJECTED_SUBMISSION: work submitted after shutdown
//   - FLUSH_TIMEOUT: a drain did not converge within its budget
//   - INTERNAL_INCONSISTENCY: pending work with no schedulable time
//
// Task body failures are never surfaced here. They are recorded on the
// task's own completion handle.
package coord
