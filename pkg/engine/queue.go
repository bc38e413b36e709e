package engine

import (
	"sync"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/metrics"
)

// pendingEvent pairs an event with its WAL sequence.
type pendingEvent struct {
	seq uint64
	ev  event.Event
}

// pendingQueue is the unbounded FIFO feeding the event loop. Pushes never
// block, so background tasks can always hand off their result events; the
// wake channel has capacity one, matching the engine-to-loop wake contract.
type pendingQueue struct {
	mu    sync.Mutex
	items []pendingEvent
	wake  chan struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{wake: make(chan struct{}, 1)}
}

func (q *pendingQueue) Push(pe pendingEvent) {
	q.mu.Lock()
	q.items = append(q.items, pe)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.PendingEvents.Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *pendingQueue) Pop() (pendingEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return pendingEvent{}, false
	}
	pe := q.items[0]
	q.items = q.items[1:]
	metrics.PendingEvents.Set(float64(len(q.items)))
	return pe, true
}

func (q *pendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
