package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/churnguard/eventcore/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeue(t *testing.T) {
	q := New[int](4)

	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))
	assert.Equal(t, 2, q.Depth())

	v, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestBackpressureWhenFull(t *testing.T) {
	q := New[int](2)

	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))

	// Third enqueue must fail fast without blocking
	start := time.Now()
	err := q.TryEnqueue(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, errors.ClassCapacity, errors.Classify(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "TryEnqueue must not block")

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Rejected)

	// Draining one slot restores admission
	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.NoError(t, q.TryEnqueue(3))
}

func TestDequeueRespectsContext(t *testing.T) {
	q := New[int](1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok, "Dequeue should give up when context expires")
}

func TestCloseDrains(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))

	q.Close()
	q.Close() // idempotent

	// Admission stops
	assert.Error(t, q.TryEnqueue(3))

	// Admitted items remain readable
	v, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, v)

	// Then the queue reports exhaustion
	_, ok = q.Dequeue(context.Background())
	assert.False(t, ok)
}

func TestCloseConcurrentWithEnqueue(t *testing.T) {
	// Close must exclude in-flight TryEnqueue sends; a send landing on a
	// closed channel would panic the producer.
	for iter := 0; iter < 200; iter++ {
		q := New[int](2)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					_ = q.TryEnqueue(i)
					q.TryDequeue()
				}
			}()
		}
		go q.Close()
		wg.Wait()

		assert.Error(t, q.TryEnqueue(1), "admission stays closed")
	}
}

func TestOccupancy(t *testing.T) {
	q := New[int](4)
	assert.Equal(t, 0.0, q.Occupancy())
	_ = q.TryEnqueue(1)
	_ = q.TryEnqueue(2)
	assert.InDelta(t, 0.5, q.Occupancy(), 0.001)
}
