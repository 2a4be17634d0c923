package clock

import "time"

// Wall is the real-time Source used by immediate (real-time) deployments.
//
// Wall also owns timer creation so that tests of the immediate backend can
// substitute a controllable implementation.
type Wall interface {
	Source
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it already
	// fired or was stopped.
	Stop() bool
}

// Real returns the process wall clock.
func Real() Wall {
	return realClock{}
}

type realClock struct{}

func (realClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
