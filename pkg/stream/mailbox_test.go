package stream

import (
	"errors"
	"sync"
	"testing"
)

func TestMailboxFIFO(t *testing.T) {
	const producers, n = 4, 250
	m := NewMailbox()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := m.Push(Event{Type: EventResourceQueued, Len: p, Timestamp: uint64(i)}); err != nil {
					t.Error(err)
				}
			}
		}(p)
	}

	next := make([]uint64, producers)
	var seq uint64
	for i := 0; i < producers*n; i++ {
		e, ok := m.Next()
		if !ok {
			t.Fatalf("mailbox closed")
		}
		if e.Seq <= seq {
			t.Fatalf("sequence %v after %v", e.Seq, seq)
		}
		seq = e.Seq
		if e.Timestamp != next[e.Len] {
			t.Fatalf("producer %v: got event %v, want %v", e.Len, e.Timestamp, next[e.Len])
		}
		next[e.Len]++
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Errorf("%v events left", m.Len())
	}
	for p, k := range next {
		if k != n {
			t.Errorf("producer %v: %v of %v events", p, k, n)
		}
	}
}

func TestMailboxClose(t *testing.T) {
	m := NewMailbox()
	_, _ = m.Push(Event{Type: EventDrain})
	_, _ = m.Push(Event{Type: EventTerminate})

	e, ok := m.Next()
	if !ok || e.Type != EventDrain || e.Seq != 1 {
		t.Fatalf("next = %+v %v", e, ok)
	}

	got := make(chan bool)
	m2 := NewMailbox()
	go func() { _, ok := m2.Next(); got <- ok }()
	m2.Close()
	if <-got {
		t.Errorf("blocked receiver got an event from a closed mailbox")
	}

	dropped := m.Close()
	if len(dropped) != 1 || dropped[0].Type != EventTerminate {
		t.Errorf("dropped %+v", dropped)
	}
	if _, err := m.Push(Event{}); !errors.Is(err, ErrMailboxClosed) {
		t.Errorf("push to a closed mailbox: %v", err)
	}
	if m.Close() != nil {
		t.Errorf("second close dropped events")
	}
}
