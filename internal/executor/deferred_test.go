package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/testutil"
)

const flushTimeout = 5 * time.Second

// stateLog records idle-listener callbacks.
type stateLog struct {
	mu     sync.Mutex
	states []coord.State
}

func (s *stateLog) OnCoordinatorIdle()    { s.add(coord.StateIdle) }
func (s *stateLog) OnCoordinatorRunning() { s.add(coord.StateRunning) }

func (s *stateLog) add(st coord.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *stateLog) got() []coord.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]coord.State(nil), s.states...)
}

func (s *stateLog) last() coord.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[len(s.states)-1]
}

func newDeferred(t *testing.T) (*Deferred, *clock.VirtualClock) {
	t.Helper()
	clk := clock.NewVirtualClock()
	d := NewDeferred(clk, WithName("test"))
	t.Cleanup(func() { d.ShutdownNow() })
	return d, clk
}

func record(rec *testutil.Recorder, label string) Func {
	return func() (any, error) {
		rec.Record(label)
		return label, nil
	}
}

func TestDeferred_SubmitDoesNotRunSynchronously(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, err := d.Submit(record(rec, "a"), 0)
	require.NoError(t, err)

	assert.Empty(t, rec.Events())
	assert.True(t, d.HasPendingTasks())
	assert.True(t, d.HasPendingCompletableTasks())
}

func TestDeferred_RunCurrentRunsEligibleTask(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	f, err := d.Submit(record(rec, "a"), 0)
	require.NoError(t, err)
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"a"}, rec.Events())
	v, ferr, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, ferr)
	assert.Equal(t, "a", v)
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_RunCurrentTwiceRunsTaskOnce(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, err := d.Submit(record(rec, "a"), 0)
	require.NoError(t, err)
	require.NoError(t, d.RunCurrent(flushTimeout))
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"a"}, rec.Events())
}

func TestDeferred_FutureTaskDoesNotRun(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, err := d.Submit(record(rec, "later"), 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Empty(t, rec.Events())
	assert.True(t, d.HasPendingTasks())
	assert.False(t, d.HasPendingCompletableTasks())
}

func TestDeferred_AdvancePartwayDoesNotRun(t *testing.T) {
	d, clk := newDeferred(t)
	rec := testutil.NewRecorder()

	_, err := d.Submit(record(rec, "later"), 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, clk.AdvanceMillis(99))
	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Empty(t, rec.Events())

	require.NoError(t, clk.AdvanceMillis(1))
	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Equal(t, []string{"later"}, rec.Events())
}

func TestDeferred_OrderByTargetThenSequence(t *testing.T) {
	d, clk := newDeferred(t)
	rec := testutil.NewRecorder()

	_, _ = d.Submit(record(rec, "c@20"), 20*time.Millisecond)
	_, _ = d.Submit(record(rec, "a@10"), 10*time.Millisecond)
	_, _ = d.Submit(record(rec, "b@10"), 10*time.Millisecond)
	_, _ = d.Submit(record(rec, "now"), 0)

	require.NoError(t, clk.AdvanceMillis(20))
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"now", "a@10", "b@10", "c@20"}, rec.Events())
}

func TestDeferred_TaskCompletesBeforeNextStarts(t *testing.T) {
	d, _ := newDeferred(t)

	var mu sync.Mutex
	running := 0
	overlap := false
	body := func() (any, error) {
		mu.Lock()
		running++
		if running > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}
	for i := 0; i < 10; i++ {
		_, err := d.Submit(body, 0)
		require.NoError(t, err)
	}
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.False(t, overlap)
}

func TestDeferred_TaskSubmittedDuringDrainRunsInSameDrain(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, err := d.Submit(func() (any, error) {
		rec.Record("first")
		_, err := d.Submit(record(rec, "chained"), 0)
		return nil, err
	}, 0)
	require.NoError(t, err)
	_, _ = d.Submit(record(rec, "second"), 0)

	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"first", "second", "chained"}, rec.Events())
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_FailureIsIsolated(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()
	boom := errors.New("boom")

	failing, _ := d.Submit(func() (any, error) { return nil, boom }, 0)
	panicking, _ := d.Submit(func() (any, error) { panic("kaboom") }, 0)
	_, _ = d.Submit(record(rec, "after"), 0)

	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"after"}, rec.Events())
	_, err, ok := failing.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)

	_, err, ok = panicking.Result()
	require.True(t, ok)
	assert.True(t, IsPanic(err))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
}

func TestDeferred_CancelPendingTask(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	f, _ := d.Submit(record(rec, "cancelled"), 0)
	assert.True(t, f.Cancel())
	assert.False(t, f.Cancel(), "second cancel is a no-op")
	assert.True(t, f.IsCancelled())
	assert.True(t, f.IsDone())
	assert.False(t, d.HasPendingTasks())

	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Empty(t, rec.Events())

	_, err, ok := f.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestDeferred_CancelCompletedTaskIsNoop(t *testing.T) {
	d, _ := newDeferred(t)

	f, _ := d.Submit(func() (any, error) { return 7, nil }, 0)
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.False(t, f.Cancel())
	v, err, ok := f.Result()
	require.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDeferred_CancelFromEarlierTask(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	var victim *Future
	_, _ = d.Submit(func() (any, error) {
		victim.Cancel()
		return nil, nil
	}, 0)
	victim, _ = d.Submit(record(rec, "victim"), 0)

	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Empty(t, rec.Events())
	assert.True(t, victim.IsCancelled())
}

func TestDeferred_NextFutureTaskTime(t *testing.T) {
	d, clk := newDeferred(t)

	_, ok := d.NextFutureTaskTime(clk.NowMillis())
	assert.False(t, ok, "no tasks")

	_, _ = d.Submit(func() (any, error) { return nil, nil }, 0)
	_, ok = d.NextFutureTaskTime(clk.NowMillis())
	assert.False(t, ok, "current task is not in the future")

	_, _ = d.Submit(func() (any, error) { return nil, nil }, 50*time.Millisecond)
	_, _ = d.Submit(func() (any, error) { return nil, nil }, 30*time.Millisecond)

	next, ok := d.NextFutureTaskTime(clk.NowMillis())
	require.True(t, ok)
	assert.Equal(t, int64(30), next)

	next, ok = d.NextFutureTaskTime(30)
	require.True(t, ok)
	assert.Equal(t, int64(50), next)

	_, ok = d.NextFutureTaskTime(50)
	assert.False(t, ok)
}

func TestDeferred_HasPendingCompletableTracksClock(t *testing.T) {
	d, clk := newDeferred(t)

	assert.False(t, d.HasPendingCompletableTasks())
	_, _ = d.Submit(func() (any, error) { return nil, nil }, 10*time.Millisecond)
	assert.False(t, d.HasPendingCompletableTasks())

	require.NoError(t, clk.AdvanceMillis(10))
	assert.True(t, d.HasPendingCompletableTasks())

	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.False(t, d.HasPendingCompletableTasks())
}

func TestDeferred_IdleListener(t *testing.T) {
	d, clk := newDeferred(t)
	log := &stateLog{}

	d.SetIdleListener(log)
	assert.Equal(t, []coord.State{coord.StateIdle}, log.got(), "registration delivers current state")

	_, _ = d.Submit(func() (any, error) { return nil, nil }, 10*time.Millisecond)
	assert.Equal(t, []coord.State{coord.StateIdle}, log.got(), "future task does not make executor busy")

	require.NoError(t, clk.AdvanceMillis(10))
	assert.Equal(t, coord.StateRunning, log.last(), "clock advance makes task eligible")

	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Equal(t, []coord.State{coord.StateIdle, coord.StateRunning, coord.StateIdle}, log.got())
}

func TestDeferred_IdleListenerRegisteredWhileBusy(t *testing.T) {
	d, _ := newDeferred(t)
	_, _ = d.Submit(func() (any, error) { return nil, nil }, 0)

	log := &stateLog{}
	d.SetIdleListener(log)

	assert.Equal(t, []coord.State{coord.StateRunning}, log.got())
}

func TestDeferred_InvalidArguments(t *testing.T) {
	d, _ := newDeferred(t)

	_, err := d.Submit(func() (any, error) { return nil, nil }, -time.Millisecond)
	assert.True(t, coord.IsInvalidArgument(err))
	assert.False(t, d.HasPendingTasks())

	assert.True(t, coord.IsInvalidArgument(d.RunCurrent(0)))
	assert.True(t, coord.IsInvalidArgument(d.RunCurrent(-time.Second)))

	_, err = d.ScheduleRecurring(func() error { return nil }, 0, 0, false)
	assert.True(t, coord.IsInvalidArgument(err))
	_, err = d.ScheduleRecurring(func() error { return nil }, -time.Millisecond, time.Millisecond, false)
	assert.True(t, coord.IsInvalidArgument(err))
}

func TestDeferred_FlushTimeout(t *testing.T) {
	d, _ := newDeferred(t)
	release := make(chan struct{})

	_, _ = d.Submit(func() (any, error) {
		<-release
		return nil, nil
	}, 0)

	err := d.RunCurrent(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, coord.IsFlushTimeout(err))
	assert.Contains(t, err.Error(), "executor test: run_current")
	assert.True(t, d.HasPendingCompletableTasks(), "blocked task is still executing")

	close(release)
	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_ShutdownRejectsNewWork(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, _ = d.Submit(record(rec, "queued"), 0)
	d.Shutdown()

	_, err := d.Submit(record(rec, "late"), 0)
	assert.True(t, coord.IsRejected(err))
	assert.True(t, d.IsShutdown())
	assert.False(t, d.IsTerminated(), "queued work still pending")

	require.NoError(t, d.RunCurrent(flushTimeout))
	assert.Equal(t, []string{"queued"}, rec.Events())
	assert.True(t, d.IsTerminated())
	assert.True(t, d.AwaitTermination(time.Second))
}

func TestDeferred_ShutdownNowReturnsUnexecutedTasks(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	_, _ = d.Submit(record(rec, "b"), 20*time.Millisecond)
	fa, _ := d.Submit(record(rec, "a"), 10*time.Millisecond)
	_, _ = d.Submit(record(rec, "now"), 0)

	tasks := d.ShutdownNow()
	require.Len(t, tasks, 3)
	assert.Equal(t, int64(0), tasks[0].TargetMillis())
	assert.Equal(t, int64(10), tasks[1].TargetMillis())
	assert.Equal(t, int64(20), tasks[2].TargetMillis())
	assert.Same(t, fa, tasks[1].Future())

	assert.Empty(t, rec.Events())
	assert.True(t, fa.IsCancelled())
	assert.True(t, d.IsTerminated())
	assert.False(t, d.HasPendingTasks())

	v, err := tasks[1].Run()
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, []string{"a"}, rec.Events())
}

func TestDeferred_TerminationReleasesResources(t *testing.T) {
	clk := clock.NewVirtualClock()
	d := NewDeferred(clk, WithName("short-lived"))
	_, err := d.Submit(func() (any, error) { return nil, nil }, 5*time.Millisecond)
	require.NoError(t, err)

	d.ShutdownNow()

	assert.True(t, d.AwaitTermination(0))
	assert.False(t, d.pool.Submit(func() {}), "pool is closed")
	require.NoError(t, clk.AdvanceMillis(10))
	assert.False(t, d.HasPendingCompletableTasks())
}

func TestDeferred_AwaitTerminationTimesOut(t *testing.T) {
	d, _ := newDeferred(t)
	_, _ = d.Submit(func() (any, error) { return nil, nil }, 0)
	d.Shutdown()

	assert.False(t, d.AwaitTermination(10*time.Millisecond))
	assert.False(t, d.AwaitTermination(0))
}

func TestDeferred_CancelWhileRunningDiscardsResult(t *testing.T) {
	d, _ := newDeferred(t)
	rec := testutil.NewRecorder()

	var self *Future
	self, _ = d.Submit(func() (any, error) {
		assert.True(t, self.Cancel())
		rec.Record("finished")
		return 42, nil
	}, 0)

	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"finished"}, rec.Events(), "body runs to completion")
	v, err, ok := self.Result()
	require.True(t, ok)
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, self.Cancel())
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_RecurringCancelledFromItsOwnRun(t *testing.T) {
	d, clk := newDeferred(t)
	rec := testutil.NewRecorder()

	var r *Recurring
	r, err := d.ScheduleRecurring(func() error {
		assert.True(t, r.Cancel())
		rec.Record("tick")
		return nil
	}, 0, 10*time.Millisecond, true)
	require.NoError(t, err)

	require.NoError(t, d.RunCurrent(flushTimeout))
	require.NoError(t, clk.AdvanceMillis(50))
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []string{"tick"}, rec.Events(), "current run finishes, nothing re-arms")
	assert.Equal(t, 1, r.Runs())
	assert.ErrorIs(t, r.Err(), ErrCancelled)
	assert.False(t, d.HasPendingTasks())
	_, ok := d.NextFutureTaskTime(clk.NowMillis())
	assert.False(t, ok)
}

func TestDeferred_RecurringFixedDelay(t *testing.T) {
	d, clk := newDeferred(t)
	var times []int64

	r, err := d.ScheduleRecurring(func() error {
		times = append(times, clk.NowMillis())
		return nil
	}, 5*time.Millisecond, 10*time.Millisecond, false)
	require.NoError(t, err)

	for _, step := range []int64{5, 10, 10} {
		require.NoError(t, clk.AdvanceMillis(step))
		require.NoError(t, d.RunCurrent(flushTimeout))
	}

	assert.Equal(t, []int64{5, 15, 25}, times)
	assert.Equal(t, 3, r.Runs())
	assert.True(t, d.HasPendingTasks(), "next instance is queued")
	next, ok := d.NextFutureTaskTime(clk.NowMillis())
	require.True(t, ok)
	assert.Equal(t, int64(35), next)

	assert.True(t, r.Cancel())
	assert.False(t, r.Cancel())
	assert.ErrorIs(t, r.Err(), ErrCancelled)
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_RecurringFixedRateKeepsCadence(t *testing.T) {
	d, clk := newDeferred(t)
	var times []int64

	_, err := d.ScheduleRecurring(func() error {
		times = append(times, clk.NowMillis())
		return nil
	}, 0, 10*time.Millisecond, true)
	require.NoError(t, err)

	require.NoError(t, d.RunCurrent(flushTimeout))
	require.NoError(t, clk.AdvanceMillis(10))
	require.NoError(t, d.RunCurrent(flushTimeout))

	assert.Equal(t, []int64{0, 10}, times)
}

func TestDeferred_RecurringStopsOnFailure(t *testing.T) {
	d, clk := newDeferred(t)
	boom := errors.New("boom")
	runs := 0

	r, err := d.ScheduleRecurring(func() error {
		runs++
		if runs == 2 {
			return boom
		}
		return nil
	}, 0, time.Millisecond, false)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.RunCurrent(flushTimeout))
		require.NoError(t, clk.AdvanceMillis(1))
	}

	assert.Equal(t, 2, runs)
	assert.ErrorIs(t, r.Err(), boom)
	select {
	case <-r.Done():
	default:
		t.Fatal("recurring handle should be done")
	}
	assert.False(t, d.HasPendingTasks())
}

func TestDeferred_ShutdownEndsRecurring(t *testing.T) {
	d, _ := newDeferred(t)

	r, err := d.ScheduleRecurring(func() error { return nil }, time.Millisecond, time.Millisecond, false)
	require.NoError(t, err)

	d.Shutdown()

	<-r.Done()
	assert.NoError(t, r.Err())
	assert.True(t, d.IsTerminated())
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	d, _ := newDeferred(t)
	f, _ := d.Submit(func() (any, error) { return nil, nil }, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(3_600_000), f.RunAtMillis())
}
