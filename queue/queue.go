package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded, goroutine-safe FIFO queue that can hold any type.
// Closing the queue marks the end of the stream: items already queued are
// still handed out, later pushes are dropped.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

// New creates and returns a new Queue instance.
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push adds an element to the end of the queue. It never blocks.
// It reports false if the queue was already closed and the item was dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
	return true
}

// Pop removes and returns the front element, waiting until one is available.
// The boolean is false once the queue is closed and drained, or when ctx ends.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// TryPopAll removes and returns every element currently queued without
// waiting. It returns nil when the queue is empty.
func (q *Queue[T]) TryPopAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Close marks the end of the stream. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// notify wakes a waiting Pop. The channel holds at most one pending wake-up;
// Pop re-checks the queue after every wake-up so coalescing is harmless.
func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
