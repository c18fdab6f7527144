package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/churnguard/eventcore/dedup"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/metric"
	"github.com/churnguard/eventcore/pkg/retry"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/worker"
)

// State is the consumer lifecycle state.
type State int32

// Consumer states. Failed means the consumer gave up reconnecting and waits
// for the health monitor to restart it.
const (
	StateCreated State = iota
	StateConnecting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connectRetry bounds reconnection attempts before the consumer parks in
// StateFailed.
var connectRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
	AddJitter:    true,
}

// enqueueBackoff is the pause before re-attempting admission when the shared
// queue is full.
const enqueueBackoff = 100 * time.Millisecond

// Deps carries the consumer's collaborators. Dedup is optional; when set it
// absorbs transport redeliveries of items that were already admitted.
type Deps struct {
	Transport Transport
	Queue     *queue.Queue[*worker.Task]
	Dedup     *dedup.Detector
	Logger    *slog.Logger
	Metrics   *metric.Registry
	Collector *metric.Collector
}

// Consumer pulls one configured stream into the shared queue.
type Consumer struct {
	cfg  *event.StreamConfig
	deps Deps

	state atomic.Int32

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	fetched   atomic.Int64
	enqueued  atomic.Int64
	acked     atomic.Int64
	deduped   atomic.Int64
	redeliver atomic.Int64
	fetchErrs atomic.Int64
}

// NewConsumer creates a consumer for cfg. Transport and Queue are required.
func NewConsumer(cfg *event.StreamConfig, deps Deps) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"Consumer", "NewConsumer", "stream config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapValidation(err, "Consumer", "NewConsumer", "validate stream config")
	}
	if deps.Transport == nil || deps.Queue == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"Consumer", "NewConsumer", "transport and queue are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "stream-consumer", "stream_id", cfg.StreamID)
	}

	c := &Consumer{cfg: cfg.WithDefaults(), deps: deps}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// StreamID returns the stream this consumer serves.
func (c *Consumer) StreamID() string {
	return c.cfg.StreamID
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Start connects the transport and launches the fetch loops.
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return errors.ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop stops the fetch loops and closes the transport.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false
	c.setState(StateStopping)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return errors.ErrStopTimeout
	}

	err := c.deps.Transport.Close()
	c.setState(StateStopped)
	c.setConnectedGauge(0)
	if err != nil {
		return errors.WrapTransport(err, "Consumer", "Stop", "close transport")
	}
	return nil
}

// run owns the connect/fetch lifecycle for the whole consumer.
func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		if err := retry.Do(ctx, connectRetry, func() error {
			return c.deps.Transport.Connect(ctx)
		}); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(StateFailed)
			c.setConnectedGauge(0)
			c.deps.Logger.Error("connect attempts exhausted", "error", err)
			return
		}

		c.setState(StateRunning)
		c.setConnectedGauge(1)
		c.deps.Logger.Info("stream connected", "transport", c.cfg.TransportType)

		if reconnect := c.fetchLoops(ctx); !reconnect {
			return
		}
		c.setConnectedGauge(0)
		c.deps.Logger.Warn("stream connection lost, reconnecting")
	}
}

// fetchLoops runs the configured number of fetchers until ctx is cancelled
// (returns false) or the connection fails (returns true to reconnect).
func (c *Consumer) fetchLoops(ctx context.Context) bool {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	lost := make(chan struct{})
	var lostOnce sync.Once

	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if loopCtx.Err() != nil {
					return
				}
				if err := c.fetchOnce(loopCtx); err != nil {
					if loopCtx.Err() != nil {
						return
					}
					c.fetchErrs.Add(1)
					if errors.Classify(err) == errors.ClassTransport {
						lostOnce.Do(func() { close(lost) })
						cancel()
						return
					}
					c.deps.Logger.Warn("fetch failed", "error", err)
				}
			}
		}()
	}

	wg.Wait()
	select {
	case <-lost:
		return true
	default:
		return false
	}
}

// fetchOnce pulls one batch and moves it onto the shared queue, acking each
// item only after admission.
func (c *Consumer) fetchOnce(ctx context.Context) error {
	batch, err := c.deps.Transport.FetchBatch(ctx, c.cfg.BatchSize, c.cfg.BatchTimeout)
	if err != nil {
		return err
	}

	for _, d := range batch {
		c.fetched.Add(1)
		if !c.admit(ctx, d) {
			// Unacked items come back on redelivery.
			c.redeliver.Add(1)
			continue
		}
	}
	return nil
}

// admit builds the message, enqueues it with bounded backoff, and acks on
// success. Returns false when the queue stayed full.
func (c *Consumer) admit(ctx context.Context, d Delivery) bool {
	var hash string
	if c.deps.Dedup != nil {
		// A failed ack after a successful enqueue comes back as redelivery;
		// the content hash absorbs it here instead of sending it downstream
		// twice.
		hash = dedup.Hash("stream:"+c.cfg.StreamID, c.cfg.OrganizationID, d.Payload)
		if c.deps.Dedup.IsDuplicateAndRecord(hash) {
			c.deduped.Add(1)
			c.observeReceived("duplicate")
			c.countDuplicate()
			c.ack(d)
			return true
		}
	}

	msg := event.NewStreamMessage(c.cfg.StreamID, c.cfg.OrganizationID, d.Payload)
	msg.SourceTopic = d.Topic
	msg.SourcePartition = d.Partition
	msg.SourceOffset = d.Offset
	msg.Status = event.StatusQueued

	task := &worker.Task{Message: msg, Stream: c.cfg}

	for attempt := 0; attempt < 3; attempt++ {
		if err := c.deps.Queue.TryEnqueue(task); err == nil {
			c.enqueued.Add(1)
			c.observeReceived("accepted")
			if c.deps.Collector != nil {
				c.deps.Collector.RecordReceived()
			}
			if d.Ack != nil {
				if err := d.Ack(); err != nil {
					c.deps.Logger.Warn("ack failed", "error", err)
					return true
				}
				c.acked.Add(1)
			}
			return true
		}

		timer := time.NewTimer(enqueueBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.forget(hash)
			return false
		case <-timer.C:
		}
	}

	// Not admitted: drop the hash so the redelivery is not absorbed as a
	// duplicate.
	c.forget(hash)
	c.observeReceived("rejected")
	return false
}

// ack acknowledges a delivery that will not be redelivered.
func (c *Consumer) ack(d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		c.deps.Logger.Warn("ack failed", "error", err)
		return
	}
	c.acked.Add(1)
}

func (c *Consumer) forget(hash string) {
	if c.deps.Dedup != nil && hash != "" {
		c.deps.Dedup.Forget(hash)
	}
}

func (c *Consumer) observeReceived(outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Core.EventsReceived.WithLabelValues("stream", outcome).Inc()
	}
}

func (c *Consumer) countDuplicate() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Core.Duplicates.Inc()
	}
}

func (c *Consumer) setConnectedGauge(v float64) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Core.TransportConnected.WithLabelValues(c.cfg.StreamID).Set(v)
	}
}

// Stats holds cumulative consumer counters.
type Stats struct {
	StreamID     string `json:"stream_id"`
	State        string `json:"state"`
	Fetched      int64  `json:"fetched"`
	Enqueued     int64  `json:"enqueued"`
	Acked        int64  `json:"acked"`
	Deduplicated int64  `json:"deduplicated"`
	Redelivered  int64  `json:"redelivered"`
	FetchErrors  int64  `json:"fetch_errors"`
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		StreamID:     c.cfg.StreamID,
		State:        c.State().String(),
		Fetched:      c.fetched.Load(),
		Enqueued:     c.enqueued.Load(),
		Acked:        c.acked.Load(),
		Deduplicated: c.deduped.Load(),
		Redelivered:  c.redeliver.Load(),
		FetchErrors:  c.fetchErrs.Load(),
	}
}
