package testutil

import "sync"

// Sequencer hands out trace sequence numbers.
//
// Unlike a plain atomic counter, a Sequencer can be reset so the same
// scenario run twice produces identical seq values.
//
// Thread-safety: all methods are safe for concurrent use.
type Sequencer struct {
	mu  sync.Mutex
	seq int64
}

// NewSequencer creates a sequencer whose first Next returns 1.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next increments and returns the next sequence number.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Current returns the last number handed out, or 0.
func (s *Sequencer) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset rewinds to 0.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}
