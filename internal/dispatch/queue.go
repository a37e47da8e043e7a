package dispatch

import "sync"

// queue is the FIFO shared between producers and the drain loop.
// enqueue and dequeueHead are atomic with respect to each other.
type queue struct {
	mu    sync.Mutex
	items []*pendingSend

	// wake is signaled on enqueue so an idle drain loop can re-check early.
	wake chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) enqueue(e *pendingSend) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) dequeueHead() (*pendingSend, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return e, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// takeAll empties the queue and returns its entries in order.
func (q *queue) takeAll() []*pendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
