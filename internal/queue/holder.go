package queue

import "sync"

// Holder lets a consumer borrow a Queue[T], mutate it, and hand it back, while any number of
// producers enqueue items without needing direct access to the queue itself. The link and
// session event loops in this module use plain channels and do not use Holder.
type Holder[T any] struct {
	mu sync.Mutex
	q  *Queue[T]
	c  chan *Queue[T]
}

// NewHolder creates a Holder wrapping q. q may be nil, in which case the first Enqueue call
// allocates a default-sized queue.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	h := &Holder[T]{
		q: q,
		c: make(chan *Queue[T], 1),
	}
	return h
}

// Wait returns nil when the held queue is nil or empty; otherwise it offers the held queue on
// a one-slot channel and returns that channel. Checkouts are not tracked, so the same queue can
// be received again before Release is called. The receiver calls Release when done.
func (h *Holder[T]) Wait() <-chan *Queue[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.q == nil || h.q.Len() == 0 {
		return nil
	}

	select {
	case h.c <- h.q:
	default:
	}
	return h.c
}

// Release returns a previously received queue to the holder.
func (h *Holder[T]) Release(q *Queue[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.q = q
}

// Enqueue adds item to the held queue, allocating one with a default segment size if none
// exists yet.
func (h *Holder[T]) Enqueue(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.q == nil {
		h.q = New[T](16)
	}
	h.q.Enqueue(item)
}
