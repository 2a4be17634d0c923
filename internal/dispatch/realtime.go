package dispatch

import (
	"log/slog"
	"time"

	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/idle"
)

// RealTime waits on coordinators that run work by themselves.
type RealTime struct {
	bridge    *idle.Bridge
	coords    []coord.Coordinator
	opTimeout time.Duration
	logger    *slog.Logger
}

var _ Dispatchers = (*RealTime)(nil)

// Bridge returns the idle bridge, for registration with external runners.
func (r *RealTime) Bridge() *idle.Bridge {
	return r.bridge
}

// RunCurrent implements Dispatchers by waiting until nothing is running
// or due.
func (r *RealTime) RunCurrent() error {
	return r.bridge.WaitUntil(r.opTimeout, OpRunCurrent, r.bridge.IsIdleNow)
}

// AdvanceTimeBy implements Dispatchers by letting d of wall time pass and
// then waiting for idle.
func (r *RealTime) AdvanceTimeBy(d time.Duration) error {
	if d < 0 {
		return coord.NewInvalidArgument(OpAdvanceTimeBy, "cannot advance by negative %s", d)
	}
	if d == 0 {
		return nil
	}
	r.logger.Debug("sleeping", "op", OpAdvanceTimeBy, "duration", d)
	time.Sleep(d)
	return r.bridge.WaitUntil(r.opTimeout, OpAdvanceTimeBy, r.bridge.IsIdleNow)
}

// AdvanceUntilIdle implements Dispatchers by waiting until no coordinator
// has any pending work, scheduled or running.
func (r *RealTime) AdvanceUntilIdle() error {
	return r.bridge.WaitUntil(r.opTimeout, OpAdvanceUntilIdle, func() bool {
		for _, c := range r.coords {
			if c.HasPendingTasks() {
				return false
			}
		}
		return true
	})
}

// Close detaches the idle bridge from the coordinators.
func (r *RealTime) Close() {
	r.bridge.Close()
}
