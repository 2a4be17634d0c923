package clock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/settle/internal/coord"
)

// Source reports a current time in integer milliseconds.
type Source interface {
	NowMillis() int64
}

// VirtualClock is the shared virtual time of a deferred test deployment.
//
// Virtual time only moves when a test advances it. The value is a plain
// millisecond counter starting at 0 (or a chosen start) and never decreases.
//
// Thread-safety: NowMillis is a lock-free atomic read and may be called from
// any goroutine, including task bodies running on worker goroutines.
// Advances are serialized.
type VirtualClock struct {
	now atomic.Int64

	advanceMu sync.Mutex // one advance at a time

	subMu  sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(nowMillis int64)
}

// NewVirtualClock creates a clock starting at 0.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// NewVirtualClockAt creates a clock starting at start milliseconds.
func NewVirtualClockAt(start int64) *VirtualClock {
	c := &VirtualClock{}
	c.now.Store(start)
	return c
}

// NowMillis returns the current virtual time.
func (c *VirtualClock) NowMillis() int64 {
	return c.now.Load()
}

// AdvanceMillis moves virtual time forward by exactly delta milliseconds.
//
// A zero delta still notifies subscribers. A negative delta returns an
// INVALID_ARGUMENT error and leaves the clock untouched.
func (c *VirtualClock) AdvanceMillis(delta int64) error {
	if delta < 0 {
		return coord.NewInvalidArgument("advance_clock", "cannot advance by negative %dms", delta)
	}

	c.advanceMu.Lock()
	now := c.now.Add(delta)
	subs := c.snapshot()
	c.advanceMu.Unlock()

	for _, s := range subs {
		s.fn(now)
	}
	return nil
}

// Advance moves virtual time forward by d, truncated to whole milliseconds.
func (c *VirtualClock) Advance(d time.Duration) error {
	return c.AdvanceMillis(d.Milliseconds())
}

// Subscribe registers fn to be called after every advance with the new
// time. Subscribers run on the advancing goroutine, after the new value is
// visible, with no clock locks held. The returned function unsubscribes.
func (c *VirtualClock) Subscribe(fn func(nowMillis int64)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *VirtualClock) snapshot() []subscriber {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return append([]subscriber(nil), c.subs...)
}

// ToMillis truncates d to whole milliseconds.
func ToMillis(d time.Duration) int64 {
	return d.Milliseconds()
}
