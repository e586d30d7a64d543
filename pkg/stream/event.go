package stream

import (
	"errors"
	"sync"

	"github.com/vdecode/vdec/pkg/resource"
	"github.com/vdecode/vdec/pkg/video"
)

type EventType uint8

const (
	EventParamChanged EventType = iota
	EventResourceQueued
	EventDrain
	EventQueueClear
	EventTerminate
)

func (t EventType) String() string {
	switch t {
	case EventParamChanged:
		return "param-changed"
	case EventResourceQueued:
		return "resource-queued"
	case EventDrain:
		return "drain"
	case EventQueueClear:
		return "queue-clear"
	case EventTerminate:
		return "terminate"
	}
	return "unknown"
}

// Event is a message to a stream worker.
type Event struct {
	Type EventType
	Dir  video.Direction
	// Res, Len and Timestamp are set for a queued input resource.
	Res       *resource.Resource
	Len       int
	Timestamp uint64
	// Seq is assigned by the mailbox, starting at 1.
	Seq uint64
}

var ErrMailboxClosed = errors.New("mailbox is closed")

// Mailbox is an unbounded FIFO of events with a blocking receive.
// Pushing never blocks.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []Event
	seq    uint64
	closed bool
}

func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Push appends e and wakes the receiver. It returns the sequence number of e.
func (m *Mailbox) Push(e Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrMailboxClosed
	}
	m.seq++
	e.Seq = m.seq
	m.q = append(m.q, e)
	m.cond.Signal()
	return e.Seq, nil
}

// Next blocks until an event is available. It returns false
// once the mailbox is closed.
func (m *Mailbox) Next() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.q) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return Event{}, false
	}
	e := m.q[0]
	m.q[0] = Event{}
	m.q = m.q[1:]
	return e, true
}

// Close wakes the receiver and drops pending events.
// Further pushes fail. It returns the dropped events.
func (m *Mailbox) Close() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	dropped := m.q
	m.q = nil
	m.cond.Broadcast()
	return dropped
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.q)
}
