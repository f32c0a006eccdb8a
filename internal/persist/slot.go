// Package persist keeps the on-disk and outward views of a run current while
// the executor makes progress.
package persist

import "sync"

// Slot is a single-value mailbox. Put overwrites whatever the consumer has
// not taken yet, so a slow consumer only ever sees the latest value.
type Slot[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool
}

func NewSlot[T any]() *Slot[T] {
	s := &Slot[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put replaces the pending value. Puts after Close are dropped.
func (s *Slot[T]) Put(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	s.full = true
	s.cond.Signal()
}

// Close wakes the consumer. A value put before Close is still delivered.
func (s *Slot[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Next blocks until a value is pending or the slot is closed and drained.
func (s *Slot[T]) Next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.full && !s.closed {
		s.cond.Wait()
	}
	if s.full {
		v := s.value
		var zero T
		s.value = zero
		s.full = false
		return v, true
	}
	var zero T
	return zero, false
}
