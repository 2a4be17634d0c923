// Package clock provides the time sources used by the coordination layer.
//
// VirtualClock is a deterministic millisecond counter that only moves when a
// test advances it. Deferred executors and loopers read it to decide task
// eligibility and subscribe to it so their busy/idle state tracks advances.
//
// Real wraps the process wall clock for immediate (real-time) deployments.
package clock
