package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueCapacity bounds the number of messages waiting for a reply.
const DefaultQueueCapacity = 100

// Message is a chat message waiting to be answered.
type Message struct {
	Text       string
	Sender     string
	TraceID    string
	ReceivedAt time.Time
}

// Queue is a bounded FIFO. When full, Push drops the oldest message to make
// room for the newest. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []Message
	capacity int
	notify   chan struct{}
	dropped  atomic.Uint64
}

// NewQueue returns a Queue holding at most capacity messages. A non-positive
// capacity selects DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:    make([]Message, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push appends m. It returns the message that was evicted to make room, if
// any.
func (q *Queue) Push(m Message) (evicted Message, dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		evicted, dropped = q.items[0], true
		q.items = append(q.items[:0], q.items[1:]...)
		q.dropped.Add(1)
	}
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted, dropped
}

// Pop removes and returns the oldest message. It blocks for at most timeout
// and returns false when nothing arrived in time or ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if m, ok := q.tryPop(); ok {
			return m, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-timer.C:
			return q.tryPop()
		case <-q.notify:
		}
	}
}

func (q *Queue) tryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	return m, true
}

// Drain discards every queued message and returns how many there were.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were evicted by overflow so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
