package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/settle/internal/coord"
)

func TestVirtualClock_StartsAtZero(t *testing.T) {
	c := NewVirtualClock()
	assert.Equal(t, int64(0), c.NowMillis())
}

func TestVirtualClock_StartsAt(t *testing.T) {
	c := NewVirtualClockAt(1_000)
	assert.Equal(t, int64(1_000), c.NowMillis())
}

func TestVirtualClock_AdvanceIsExact(t *testing.T) {
	c := NewVirtualClock()

	require.NoError(t, c.AdvanceMillis(100))
	require.NoError(t, c.AdvanceMillis(0))
	require.NoError(t, c.Advance(250*time.Millisecond))

	assert.Equal(t, int64(350), c.NowMillis())
}

func TestVirtualClock_AdvanceTruncatesSubMillis(t *testing.T) {
	c := NewVirtualClock()
	require.NoError(t, c.Advance(1999*time.Microsecond))
	assert.Equal(t, int64(1), c.NowMillis())
}

func TestVirtualClock_NegativeAdvanceRejected(t *testing.T) {
	c := NewVirtualClockAt(10)

	err := c.AdvanceMillis(-1)

	require.Error(t, err)
	assert.True(t, coord.IsInvalidArgument(err))
	assert.Equal(t, int64(10), c.NowMillis(), "clock must not move on error")
}

func TestVirtualClock_SubscribersSeeNewTime(t *testing.T) {
	c := NewVirtualClock()
	var seen []int64
	unsubscribe := c.Subscribe(func(now int64) {
		assert.Equal(t, now, c.NowMillis(), "new value must be visible to subscribers")
		seen = append(seen, now)
	})

	require.NoError(t, c.AdvanceMillis(5))
	require.NoError(t, c.AdvanceMillis(0))
	unsubscribe()
	require.NoError(t, c.AdvanceMillis(5))

	assert.Equal(t, []int64{5, 5}, seen)
}

func TestVirtualClock_UnsubscribeOnlyRemovesOne(t *testing.T) {
	c := NewVirtualClock()
	var a, b int
	unA := c.Subscribe(func(int64) { a++ })
	c.Subscribe(func(int64) { b++ })

	unA()
	unA()
	require.NoError(t, c.AdvanceMillis(1))

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestVirtualClock_ConcurrentReadsNeverDecrease(t *testing.T) {
	c := NewVirtualClock()
	const advances = 500

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for {
				select {
				case <-stop:
					return
				default:
				}
				now := c.NowMillis()
				if now < last {
					t.Errorf("clock went backwards: %d after %d", now, last)
					return
				}
				last = now
			}
		}()
	}

	for i := 0; i < advances; i++ {
		require.NoError(t, c.AdvanceMillis(1))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(advances), c.NowMillis())
}

func TestReal_AfterFuncFires(t *testing.T) {
	w := Real()
	before := w.NowMillis()

	fired := make(chan struct{})
	w.AfterFunc(time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.GreaterOrEqual(t, w.NowMillis(), before)
}

func TestReal_StopPreventsFire(t *testing.T) {
	w := Real()
	fired := make(chan struct{}, 1)
	timer := w.AfterFunc(time.Hour, func() { fired <- struct{}{} })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Empty(t, fired)
}

func TestToMillis(t *testing.T) {
	assert.Equal(t, int64(1500), ToMillis(1500*time.Millisecond))
	assert.Equal(t, int64(0), ToMillis(time.Microsecond))
}
