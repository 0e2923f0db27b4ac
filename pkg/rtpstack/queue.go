package rtpstack

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/arzzra/media_engine/pkg/transport"
)

// Queue ограниченная очередь событий одной сессии.
// При переполнении вытесняется самое старое событие.
type Queue struct {
	mu       sync.Mutex
	events   deque.Deque[transport.Event]
	capacity int
	dropped  uint64
	closed   bool
}

func newQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.events.SetMinCapacity(6)
	return q
}

// push добавляет событие. false означает, что очередь закрыта или старое событие вытеснено
func (q *Queue) push(ev transport.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	ok := true
	if q.events.Len() >= q.capacity {
		q.events.PopFront()
		q.dropped++
		ok = false
	}
	q.events.PushBack(ev)
	return ok
}

func (q *Queue) Poll() (transport.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.events.Len() == 0 {
		return transport.Event{}, false
	}
	return q.events.PopFront(), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events.Clear()
}

// Dropped количество вытесненных событий
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.events.Clear()
}
