package looper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/testutil"
)

const idleTimeout = 5 * time.Second

func newLooper(t *testing.T) (*Looper, *clock.VirtualClock) {
	t.Helper()
	clk := clock.NewVirtualClock()
	l := New(clk, WithName("ui"))
	t.Cleanup(l.Quit)
	return l, clk
}

func TestLooper_PostDoesNotRunUntilIdle(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(rec.Func("a")))
	assert.Empty(t, rec.Events())
	assert.False(t, l.IsIdle())

	require.NoError(t, l.Idle(idleTimeout))
	assert.Equal(t, []string{"a"}, rec.Events())
	assert.True(t, l.IsIdle())
	assert.Equal(t, 1, l.Dispatched())
}

func TestLooper_DelayedMessagesFollowVirtualTime(t *testing.T) {
	l, clk := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.PostDelayed(rec.Func("b@20"), 20*time.Millisecond))
	require.NoError(t, l.PostDelayed(rec.Func("a@10"), 10*time.Millisecond))
	require.NoError(t, l.Post(rec.Func("now")))

	require.NoError(t, l.Idle(idleTimeout))
	assert.Equal(t, []string{"now"}, rec.Events())

	next, ok := l.NextFutureTaskTime(clk.NowMillis())
	require.True(t, ok)
	assert.Equal(t, int64(10), next)

	require.NoError(t, clk.AdvanceMillis(20))
	require.NoError(t, l.RunCurrent(idleTimeout))
	assert.Equal(t, []string{"now", "a@10", "b@20"}, rec.Events())
	assert.False(t, l.HasPendingTasks())
}

func TestLooper_PostAtFrontJumpsQueue(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(rec.Func("first")))
	require.NoError(t, l.PostAtFront(rec.Func("front")))
	require.NoError(t, l.Idle(idleTimeout))

	assert.Equal(t, []string{"front", "first"}, rec.Events())
}

func TestLooper_MessagesPostedByMessagesRunInSameIdle(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(func() {
		rec.Record("outer")
		_ = l.Post(rec.Func("inner"))
	}))
	require.NoError(t, l.Idle(idleTimeout))

	assert.Equal(t, []string{"outer", "inner"}, rec.Events())
}

func TestLooper_PanicDoesNotStopLoop(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(func() { panic("bad message") }))
	require.NoError(t, l.Post(rec.Func("after")))
	require.NoError(t, l.Idle(idleTimeout))

	assert.Equal(t, []string{"after"}, rec.Events())
}

func TestLooper_IdleListener(t *testing.T) {
	l, clk := newLooper(t)
	var states []coord.State
	l.SetIdleListener(coord.ListenerFuncs{
		Idle:    func() { states = append(states, coord.StateIdle) },
		Running: func() { states = append(states, coord.StateRunning) },
	})

	require.NoError(t, l.PostDelayed(func() {}, 5*time.Millisecond))
	assert.Equal(t, []coord.State{coord.StateIdle}, states)

	require.NoError(t, clk.AdvanceMillis(5))
	require.NoError(t, l.Idle(idleTimeout))

	assert.Equal(t, []coord.State{coord.StateIdle, coord.StateRunning, coord.StateIdle}, states)
}

func TestLooper_IdleTimeout(t *testing.T) {
	l, _ := newLooper(t)
	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))

	err := l.Idle(20 * time.Millisecond)
	assert.True(t, coord.IsFlushTimeout(err))
	assert.Contains(t, err.Error(), "looper ui: idle")

	close(release)
	require.NoError(t, l.Idle(idleTimeout))
}

func TestLooper_RemoveAll(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(rec.Func("dropped")))
	l.RemoveAll()
	require.NoError(t, l.Idle(idleTimeout))

	assert.Empty(t, rec.Events())
	assert.True(t, l.IsIdle())
}

func TestLooper_QuitRejects(t *testing.T) {
	clk := clock.NewVirtualClock()
	l := New(clk)
	require.NoError(t, l.Post(func() {}))

	l.Quit()
	l.Quit()

	assert.True(t, coord.IsRejected(l.Post(func() {})))
	assert.True(t, coord.IsRejected(l.Idle(time.Second)))
	assert.False(t, l.HasPendingTasks())
	assert.Equal(t, "main", l.Name())
}

func TestLooper_MessageMayQuitItsLooper(t *testing.T) {
	l, _ := newLooper(t)
	rec := testutil.NewRecorder()

	require.NoError(t, l.Post(func() {
		l.Quit()
		rec.Record("after-quit")
	}))
	require.NoError(t, l.Post(rec.Func("dropped")))

	require.NoError(t, l.Idle(idleTimeout))

	select {
	case <-l.Done():
	case <-time.After(idleTimeout):
		t.Fatal("loop goroutine did not exit")
	}
	assert.Equal(t, []string{"after-quit"}, rec.Events())
	assert.Equal(t, 1, l.Dispatched())
	assert.False(t, l.HasPendingTasks())
	assert.True(t, l.IsIdle())
	assert.True(t, coord.IsRejected(l.Post(func() {})))
}

func TestLooper_InvalidArguments(t *testing.T) {
	l, _ := newLooper(t)

	assert.True(t, coord.IsInvalidArgument(l.PostDelayed(func() {}, -time.Millisecond)))
	assert.True(t, coord.IsInvalidArgument(l.Idle(0)))
}
