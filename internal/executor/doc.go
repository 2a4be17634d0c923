// Package executor implements the two monitored task-execution backends.
//
// Deferred runs on virtual time. Nothing it holds ever runs until the
// shared clock reaches the task's target and a test drains it with
// RunCurrent, which makes interleavings fully reproducible.
//
// Immediate runs on real goroutines and wall-clock timers. It exists so the
// same test can be pointed at a realistic deployment; its RunCurrent has
// nothing to do and its idleness is read off an in-flight counter.
//
// Both backends:
//   - order tasks by (target time, submission sequence)
//   - isolate task failures: a returned error or a panic is recorded on the
//     task's Future and draining continues
//   - support cancellation, recurring schedules, Shutdown and ShutdownNow
//   - report busy/idle transitions through coord.Notifier
//
// A task is removed from the pending set only once it has been claimed for
// execution, so an executor is never observed idle between the moment a
// task is taken and the moment it starts.
package executor
