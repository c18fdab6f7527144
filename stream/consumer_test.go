package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/eventcore/configstore"
	"github.com/churnguard/eventcore/dedup"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/worker"
)

// fakeTransport serves deliveries from a channel.
type fakeTransport struct {
	deliveries chan Delivery

	connectErrs atomic.Int32 // fail this many Connect calls
	connects    atomic.Int32
	closed      atomic.Bool

	mu    sync.Mutex
	acked []int64
}

func newFakeTransport(buffer int) *fakeTransport {
	return &fakeTransport{deliveries: make(chan Delivery, buffer)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.connects.Add(1)
	if f.connectErrs.Load() > 0 {
		f.connectErrs.Add(-1)
		return errors.WrapTransport(fmt.Errorf("broker unavailable"), "fakeTransport", "Connect", "dial")
	}
	return nil
}

func (f *fakeTransport) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []Delivery
	for len(batch) < max {
		select {
		case d := <-f.deliveries:
			batch = append(batch, d)
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) push(offset int64, payload string) {
	f.deliveries <- Delivery{
		Payload: []byte(payload),
		Topic:   "t",
		Offset:  offset,
		Ack: func() error {
			f.mu.Lock()
			f.acked = append(f.acked, offset)
			f.mu.Unlock()
			return nil
		},
	}
}

func (f *fakeTransport) pushWithAck(offset int64, payload string, ack func() error) {
	f.deliveries <- Delivery{
		Payload: []byte(payload),
		Topic:   "t",
		Offset:  offset,
		Ack:     ack,
	}
}

func (f *fakeTransport) ackedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acked...)
}

func testStreamConfig() *event.StreamConfig {
	return (&event.StreamConfig{
		StreamID:       "orders",
		OrganizationID: "acme",
		TransportType:  event.TransportBrokerQueue,
		Topics:         []string{"orders"},
		BatchSize:      10,
		BatchTimeout:   20 * time.Millisecond,
		Concurrency:    1,
		Active:         true,
	}).WithDefaults()
}

func withFastConnectRetry(t *testing.T) {
	t.Helper()
	saved := connectRetry
	connectRetry.InitialDelay = time.Millisecond
	connectRetry.MaxDelay = 5 * time.Millisecond
	connectRetry.AddJitter = false
	t.Cleanup(func() { connectRetry = saved })
}

func TestConsumerAckAfterEnqueue(t *testing.T) {
	withFastConnectRetry(t)

	ft := newFakeTransport(16)
	q := queue.New[*worker.Task](16)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	ft.push(1, `{"event_type": "order.paid"}`)
	ft.push(2, `{"event_type": "order.refunded"}`)

	require.Eventually(t, func() bool {
		return c.Stats().Acked == 2
	}, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []int64{1, 2}, ft.ackedOffsets())
	assert.Equal(t, 2, q.Depth())
	assert.Equal(t, StateRunning, c.State())

	task, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "orders", task.Message.StreamID)
	assert.Equal(t, "acme", task.Message.OrganizationID)
	assert.Equal(t, event.StatusQueued, task.Message.Status)
}

func TestConsumerFullQueueSkipsAck(t *testing.T) {
	withFastConnectRetry(t)

	ft := newFakeTransport(16)
	q := queue.New[*worker.Task](1)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	ft.push(1, `{"a": 1}`)
	ft.push(2, `{"a": 2}`)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Acked == 1 && s.Redelivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int64{1}, ft.ackedOffsets(), "unadmitted items stay unacked")
}

func TestConsumerAbsorbsRedeliveryAfterFailedAck(t *testing.T) {
	withFastConnectRetry(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	detector := dedup.New(ctx, time.Hour, time.Minute)
	t.Cleanup(detector.Close)

	ft := newFakeTransport(16)
	q := queue.New[*worker.Task](16)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q, Dedup: detector})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	// First delivery is admitted but the ack is lost, so the broker will
	// redeliver it.
	payload := `{"event_type": "order.paid", "order_id": 77}`
	var ackCalls atomic.Int32
	ft.pushWithAck(1, payload, func() error {
		ackCalls.Add(1)
		return fmt.Errorf("ack connection reset")
	})

	require.Eventually(t, func() bool {
		return c.Stats().Enqueued == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), ackCalls.Load())

	ft.push(1, payload)

	require.Eventually(t, func() bool {
		return c.Stats().Deduplicated == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{1}, ft.ackedOffsets(), "redelivery acked without re-enqueueing")
	assert.Equal(t, 1, q.Depth(), "admitted exactly once")
	assert.Equal(t, int64(1), c.Stats().Enqueued)
}

func TestConsumerRejectedItemNotDedupedOnRedelivery(t *testing.T) {
	withFastConnectRetry(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	detector := dedup.New(ctx, time.Hour, time.Minute)
	t.Cleanup(detector.Close)

	ft := newFakeTransport(16)
	q := queue.New[*worker.Task](1)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q, Dedup: detector})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	ft.push(1, `{"a": "filler"}`)
	ft.push(2, `{"a": "rejected"}`)

	require.Eventually(t, func() bool {
		return c.Stats().Redelivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Capacity frees up and the broker redelivers the unacked item. It must
	// be admitted, not absorbed as a duplicate of the rejected attempt.
	_, ok := q.TryDequeue()
	require.True(t, ok)
	ft.push(2, `{"a": "rejected"}`)

	require.Eventually(t, func() bool {
		return c.Stats().Enqueued == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), c.Stats().Deduplicated)
	assert.ElementsMatch(t, []int64{1, 2}, ft.ackedOffsets())
}

func TestConsumerConnectRetryThenRun(t *testing.T) {
	withFastConnectRetry(t)

	ft := newFakeTransport(1)
	ft.connectErrs.Store(2)
	q := queue.New[*worker.Task](4)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	require.Eventually(t, func() bool {
		return c.State() == StateRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), ft.connects.Load())
}

func TestConsumerParksFailedWhenConnectExhausted(t *testing.T) {
	withFastConnectRetry(t)

	ft := newFakeTransport(1)
	ft.connectErrs.Store(100)
	q := queue.New[*worker.Task](4)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(time.Second)

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestConsumerStopClosesTransport(t *testing.T) {
	withFastConnectRetry(t)

	ft := newFakeTransport(1)
	q := queue.New[*worker.Task](4)

	c, err := NewConsumer(testStreamConfig(), Deps{Transport: ft, Queue: q})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(time.Second))
	assert.Equal(t, StateStopped, c.State())
	assert.True(t, ft.closed.Load())
}

func TestManagerReactsToConfigChanges(t *testing.T) {
	withFastConnectRetry(t)

	store := configstore.New()
	q := queue.New[*worker.Task](16)

	m, err := NewManager(ManagerDeps{Store: store, Queue: q})
	require.NoError(t, err)

	transports := make(map[string]*fakeTransport)
	var tmu sync.Mutex
	m.RegisterTransport(event.TransportBrokerQueue, func(cfg *event.StreamConfig, _ *slog.Logger) (Transport, error) {
		ft := newFakeTransport(16)
		tmu.Lock()
		transports[cfg.StreamID] = ft
		tmu.Unlock()
		return ft, nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(time.Second)

	require.NoError(t, store.PutStream(testStreamConfig()))

	c, ok := m.Consumer("orders")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return c.State() == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.DeleteStream("orders"))
	_, ok = m.Consumer("orders")
	assert.False(t, ok)

	tmu.Lock()
	ft := transports["orders"]
	tmu.Unlock()
	assert.True(t, ft.closed.Load())
}

func TestManagerIgnoresInactiveStreams(t *testing.T) {
	store := configstore.New()
	q := queue.New[*worker.Task](4)

	m, err := NewManager(ManagerDeps{Store: store, Queue: q})
	require.NoError(t, err)
	m.RegisterTransport(event.TransportBrokerQueue, func(*event.StreamConfig, *slog.Logger) (Transport, error) {
		return newFakeTransport(1), nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(time.Second)

	cfg := testStreamConfig()
	cfg.Active = false
	require.NoError(t, store.PutStream(cfg))

	_, ok := m.Consumer("orders")
	assert.False(t, ok)
}
