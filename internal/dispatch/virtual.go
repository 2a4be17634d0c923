package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
)

// Virtual drives coordinators on a shared VirtualClock.
type Virtual struct {
	clk          *clock.VirtualClock
	coords       []coord.Coordinator
	flushTimeout time.Duration
	opTimeout    time.Duration
	logger       *slog.Logger
}

var _ Dispatchers = (*Virtual)(nil)

// Clock returns the shared virtual clock.
func (v *Virtual) Clock() *clock.VirtualClock {
	return v.clk
}

// RunCurrent implements Dispatchers.
func (v *Virtual) RunCurrent() error {
	deadline := time.Now().Add(v.opTimeout)
	return v.runCurrent(OpRunCurrent, deadline)
}

// AdvanceTimeBy implements Dispatchers.
func (v *Virtual) AdvanceTimeBy(d time.Duration) error {
	if d < 0 {
		return coord.NewInvalidArgument(OpAdvanceTimeBy, "cannot advance by negative %s", d)
	}
	deadline := time.Now().Add(v.opTimeout)

	remaining := d.Milliseconds()
	if remaining <= 0 {
		return nil
	}
	// Work already due runs at the current time, before the clock moves.
	if err := v.runCurrent(OpAdvanceTimeBy, deadline); err != nil {
		return err
	}
	for remaining > 0 {
		if err := v.checkDeadline(OpAdvanceTimeBy, deadline); err != nil {
			return err
		}

		now := v.clk.NowMillis()
		step := remaining
		if next, ok := v.nextFutureTaskTime(now); ok && next-now <= remaining {
			step = next - now
		}
		if err := v.advance(step); err != nil {
			return err
		}
		if err := v.runCurrent(OpAdvanceTimeBy, deadline); err != nil {
			return err
		}
		remaining -= step
	}
	return nil
}

// AdvanceUntilIdle implements Dispatchers.
func (v *Virtual) AdvanceUntilIdle() error {
	deadline := time.Now().Add(v.opTimeout)

	if err := v.runCurrent(OpAdvanceUntilIdle, deadline); err != nil {
		return err
	}
	for v.hasPendingTasks() {
		if err := v.checkDeadline(OpAdvanceUntilIdle, deadline); err != nil {
			return err
		}

		now := v.clk.NowMillis()
		next, ok := v.nextFutureTaskTime(now)
		if !ok {
			return coord.NewInconsistency(OpAdvanceUntilIdle,
				"coordinators report pending tasks but no future task time after %dms", now)
		}
		if err := v.advance(next - now); err != nil {
			return err
		}
		if err := v.runCurrent(OpAdvanceUntilIdle, deadline); err != nil {
			return err
		}
	}
	return nil
}

// runCurrent drains coordinators until a full pass finds nothing
// completable. Draining one coordinator may hand work to another, so a
// single pass is not enough.
func (v *Virtual) runCurrent(op string, deadline time.Time) error {
	for pass := 1; ; pass++ {
		progressed := false
		for _, c := range v.coords {
			if !c.HasPendingCompletableTasks() {
				continue
			}
			if err := c.RunCurrent(v.flushTimeout); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			progressed = true
		}
		if !progressed {
			v.logger.Debug("drained", "op", op, "now_ms", v.clk.NowMillis(), "passes", pass)
			return nil
		}
		if err := v.checkDeadline(op, deadline); err != nil {
			return err
		}
	}
}

func (v *Virtual) advance(deltaMillis int64) error {
	if err := v.clk.AdvanceMillis(deltaMillis); err != nil {
		return err
	}
	v.logger.Debug("clock advanced", "delta_ms", deltaMillis, "now_ms", v.clk.NowMillis())
	return nil
}

func (v *Virtual) hasPendingTasks() bool {
	for _, c := range v.coords {
		if c.HasPendingTasks() {
			return true
		}
	}
	return false
}

func (v *Virtual) nextFutureTaskTime(after int64) (int64, bool) {
	var (
		earliest int64
		found    bool
	)
	for _, c := range v.coords {
		if t, ok := c.NextFutureTaskTime(after); ok && (!found || t < earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

func (v *Virtual) checkDeadline(op string, deadline time.Time) error {
	if time.Now().After(deadline) {
		v.logger.Warn("operation did not converge", "op", op, "now_ms", v.clk.NowMillis())
		return coord.NewFlushTimeout(op, v.opTimeout.Milliseconds())
	}
	return nil
}
