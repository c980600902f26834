package instance

import (
	"sync"
	"time"

	"github.com/agentarena/server/internal/faults"
)

// EventKind discriminates queue entries. Joins and leaves travel through
// the same queue as inputs so the script observes roster changes at tick
// boundaries, in order with the inputs around them.
type EventKind uint8

const (
	KindInput EventKind = iota
	KindJoin
	KindLeave
)

// Event is an externally-submitted action. Immutable once enqueued;
// consumed exactly once at the next tick boundary.
type Event struct {
	Kind       EventKind
	Type       string // input type for KindInput
	Data       map[string]any
	AgentID    string
	PlayerName string // for KindJoin
	Token      string // for KindJoin
	ReceivedAt time.Time
}

// Queue is the multi-producer single-consumer input buffer. Enqueue never
// blocks the caller and never blocks the tick loop; Drain atomically
// swaps out everything queued so far, preserving enqueue order.
//
// Backlog policy: the queue is bounded. When full, the oldest events are
// preserved and the new arrival is rejected with ErrResourceExhausted, so
// a flooding agent cannot starve already-accepted inputs.
type Queue struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewQueue creates a queue holding at most limit pending events.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 4096
	}
	return &Queue{
		events: make([]Event, 0, 64),
		limit:  limit,
	}
}

func (q *Queue) Enqueue(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.limit {
		return faults.ErrResourceExhausted
	}
	q.events = append(q.events, ev)
	return nil
}

// EnqueueControl appends a roster event (join/leave) bypassing the
// backlog cap. Roster changes are bounded by the roster itself, so they
// can never be lost to an input flood — dropping a leave would strand
// the player in the world after the slot was already released.
func (q *Queue) EnqueueControl(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

// Drain returns and clears all currently queued events. Events enqueued
// during the call land in the next batch.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	batch := q.events
	q.events = make([]Event, 0, 64)
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
