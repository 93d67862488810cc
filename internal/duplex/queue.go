// Package duplex provides the blocking FIFO that bridges goroutines producing
// control messages with the single goroutine that writes them to the stream.
//
// Any number of goroutines may Enqueue concurrently. Next blocks the consumer
// until an item is available or the queue is closed. Once closed, the queue
// yields nothing further, including items that were still pending, so the
// consumer observes end-of-stream and can terminate.
package duplex

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends v and wakes one waiting consumer. It never blocks.
// Items enqueued after Close are dropped.
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, v)
	q.cond.Signal()
}

// Next blocks until an item is available or the queue is closed.
// The boolean is false once the queue is closed.
func (q *Queue[T]) Next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// closed is checked before every wait, so a Close racing with this call
	// can never leave us parked on the condition variable.
	for !q.closed && len(q.items) == 0 {
		q.cond.Wait()
	}

	var zero T
	if q.closed {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return v, true
}

// Close marks the queue closed and wakes every waiter. It is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len reports the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
