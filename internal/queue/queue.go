// Package queue provides the bounded FIFO that sits between request handlers
// and synthesis workers.
package queue

import (
	"context"
	"time"
)

// DefaultCapacity matches the size of each synthesis queue.
const DefaultCapacity = 100

// Queue is a bounded, multi-producer FIFO. Put blocks while the queue is full;
// Get waits at most a timeout so consumers stay responsive to shutdown.
type Queue[T any] struct {
	items chan T
}

// New returns a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// Put enqueues item, blocking until space frees or ctx is done.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	select {
	case q.items <- item:
		return nil
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the oldest item. ok is false when nothing arrived within timeout.
func (q *Queue[T]) Get(timeout time.Duration) (item T, ok bool) {
	select {
	case item = <-q.items:
		return item, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item = <-q.items:
		return item, true
	case <-timer.C:
		return item, false
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap reports the configured capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }
