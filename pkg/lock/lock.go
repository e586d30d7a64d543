// Package lock implements wake signals that can't be missed.
package lock

import (
	"context"
	"sync"
	"time"
)

// Signal is a broadcast wake-up with a sequence number.
// A waiter remembers the sequence it has seen and waits for a newer one,
// so a Notify issued before the wait starts is never lost.
type Signal struct {
	mu  sync.Mutex
	seq uint64
	ch  chan struct{}
}

func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Seq returns the current sequence number.
func (s *Signal) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Notify wakes all current waiters and returns the new sequence number.
func (s *Signal) Notify() uint64 {
	s.mu.Lock()
	s.seq++
	close(s.ch)
	s.ch = make(chan struct{})
	seq := s.seq
	s.mu.Unlock()
	return seq
}

// Wait blocks until the sequence moves past after, the timeout elapses
// or ctx is done. It returns the sequence observed last and whether it moved.
// A timeout of zero or less waits without limit.
func (s *Signal) Wait(ctx context.Context, after uint64, timeout time.Duration) (uint64, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		s.mu.Lock()
		seq, ch := s.seq, s.ch
		s.mu.Unlock()
		if seq > after {
			return seq, true
		}
		select {
		case <-ch:
		case <-expired:
			return seq, false
		case <-ctx.Done():
			return seq, false
		}
	}
}

// LockFor waits at most d for the next notification.
func (s *Signal) LockFor(d time.Duration) bool {
	_, ok := s.Wait(context.Background(), s.Seq(), d)
	return ok
}
