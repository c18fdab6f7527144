// Package queue provides the bounded concurrent queue connecting ingress to
// the worker pool. Admission is non-blocking: a full queue surfaces
// backpressure to the producer instead of buffering without bound. Admitted
// work is never silently dropped.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/churnguard/eventcore/errors"
)

// Queue is a bounded FIFO of work items shared between producers (gateway,
// stream consumers, retry scheduler) and the worker pool. It is the only
// structure mutated across component boundaries.
type Queue[T any] struct {
	ch       chan T
	capacity int

	// closeMu makes Close mutually exclusive with in-flight TryEnqueue sends
	// so admission can never race a send onto a closed channel.
	closeMu sync.RWMutex
	closed  bool

	enqueued atomic.Int64
	dequeued atomic.Int64
	rejected atomic.Int64
}

// New creates a queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

// TryEnqueue admits item without blocking. A full queue returns a capacity
// error; the caller decides whether that surfaces as backpressure (gateway)
// or redelivery (stream consumers).
func (q *Queue[T]) TryEnqueue(item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()

	if q.closed {
		return errors.WrapCapacity(errors.ErrAlreadyStopped, "Queue", "TryEnqueue", "closed queue")
	}
	select {
	case q.ch <- item:
		q.enqueued.Add(1)
		return nil
	default:
		q.rejected.Add(1)
		return errors.WrapCapacity(errors.ErrQueueFull, "Queue", "TryEnqueue", "admit item")
	}
}

// Dequeue blocks until an item is available, the queue is closed and drained,
// or ctx is cancelled. The bool result is false when no more items will come.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		q.dequeued.Add(1)
		return item, true
	case <-ctx.Done():
		return zero, false
	}
}

// TryDequeue removes an item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	var zero T
	select {
	case item, ok := <-q.ch:
		if !ok {
			return zero, false
		}
		q.dequeued.Add(1)
		return item, true
	default:
		return zero, false
	}
}

// Close stops admission. Items already admitted remain readable until
// drained. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Depth returns the current number of queued items.
func (q *Queue[T]) Depth() int {
	return len(q.ch)
}

// Capacity returns the queue's fixed capacity.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Occupancy returns Depth/Capacity in [0, 1].
func (q *Queue[T]) Occupancy() float64 {
	return float64(len(q.ch)) / float64(q.capacity)
}

// Stats holds cumulative queue counters.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Rejected int64 `json:"rejected"`
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Rejected: q.rejected.Load(),
		Depth:    q.Depth(),
		Capacity: q.capacity,
	}
}
