// Package buffer provides a thread-safe bounded ring buffer used by stream
// consumers to stage fetched items before queue admission. When full, the
// oldest unqueued item is dropped to make room; the processing queue itself
// never drops admitted work.
package buffer

import (
	"sync"
	"sync/atomic"
)

// DropCallback is invoked with each item evicted to make room for a newer one.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity FIFO ring buffer with a drop-oldest overflow
// policy. All methods are safe for concurrent use.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	onDrop   DropCallback[T]

	writes  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

// NewRing creates a ring buffer with the given capacity. onDrop may be nil.
func NewRing[T any](capacity int, onDrop DropCallback[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		onDrop:   onDrop,
	}
}

// Write adds an item. If the buffer is full the oldest item is evicted and
// reported through the drop callback.
func (r *Ring[T]) Write(item T) {
	var dropped T
	var didDrop bool

	r.mu.Lock()
	if r.size == r.capacity {
		dropped = r.items[r.tail]
		didDrop = true
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.mu.Unlock()

	r.writes.Add(1)
	if didDrop {
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop(dropped)
		}
	}
}

// Read removes and returns the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	var zero T

	r.mu.Lock()
	if r.size == 0 {
		r.mu.Unlock()
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero // clear for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.mu.Unlock()

	r.reads.Add(1)
	return item, true
}

// ReadBatch removes and returns up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	n := max
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		r.mu.Unlock()
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}
	r.mu.Unlock()

	r.reads.Add(int64(n))
	return out
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the buffer's fixed capacity.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats holds cumulative buffer counters.
type Stats struct {
	Writes  int64 `json:"writes"`
	Reads   int64 `json:"reads"`
	Dropped int64 `json:"dropped"`
	Size    int   `json:"size"`
}

// Stats returns a snapshot of the buffer counters.
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Writes:  r.writes.Load(),
		Reads:   r.reads.Load(),
		Dropped: r.dropped.Load(),
		Size:    r.Size(),
	}
}
