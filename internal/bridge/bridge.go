// Package bridge turns push-style delivery into pull-style consumption.
package bridge

import (
	"context"
	"sync"
)

// Queue is an unbounded single-producer/single-consumer FIFO. Push never
// blocks, so a slow consumer cannot stall the producer; memory grows instead.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{} // holds one token while items is non-empty
	done   chan struct{}
	closed bool
	once   sync.Once
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends item. After Close it is a silent no-op.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Close stops accepting items and wakes a waiting consumer. Items pushed
// before Close are still delivered.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// Next returns the oldest item. It blocks until one is available, the queue
// is closed and drained (ok=false), or ctx is done (ok=false).
func (q *Queue[T]) Next(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item, false
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return item, false
		}
	}
}

// Len reports the number of undelivered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
