package utils

import (
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("[objtrace] work queue is closed")

// WorkQueue is a shared pull queue for trace tasks. Producers push chunks of
// work, idle consumers block in Pop until a chunk appears or the queue is
// closed. Pop order is LIFO: the freshest chunk is the one most likely to
// still be warm in cache.
type WorkQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
}

func NewWorkQueue[T any]() *WorkQueue[T] {
	return &WorkQueue[T]{wake: make(chan struct{})}
}

// Push appends a chunk. Returns ErrQueueClosed after Close.
func (q *WorkQueue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, v)
	// wake every waiter; recreate the broadcast channel
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// Pop blocks until a chunk is available or the queue is closed.
// The second return is false once the queue is closed and drained.
func (q *WorkQueue[T]) Pop() (v T, ok bool) {
	for {
		q.mu.Lock()
		if n := len(q.items); n > 0 {
			v = q.items[n-1]
			var zero T
			q.items[n-1] = zero
			q.items = q.items[:n-1]
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return v, false
		}
		wake := q.wake
		q.mu.Unlock()
		<-wake
	}
}

// TryPop never blocks.
func (q *WorkQueue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return v, false
	}
	v = q.items[n-1]
	var zero T
	q.items[n-1] = zero
	q.items = q.items[:n-1]
	return v, true
}

func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases every blocked consumer. Chunks already queued can still be
// popped; further pushes fail.
func (q *WorkQueue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()
}
