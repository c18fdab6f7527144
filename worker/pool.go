// Package worker runs the delivery pool: it drains the shared queue, applies
// filters and normalization, sends downstream, and owns the retry and dead
// letter policy. Webhook events and stream messages flow through the same
// pool.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/churnguard/eventcore/deadletter"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/metric"
	"github.com/churnguard/eventcore/pkg/retry"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/sink"
	"github.com/churnguard/eventcore/transform"
)

// Task is one unit of work on the shared queue. Exactly one of Event or
// Message is set, together with the configuration resolved at ingress.
type Task struct {
	Event    *event.IngestionEvent
	Message  *event.StreamMessage
	Endpoint *event.EndpointConfig
	Stream   *event.StreamConfig
}

// Source returns the metrics label for the task's origin.
func (t *Task) Source() string {
	if t.Event != nil {
		return "webhook"
	}
	return "stream"
}

func (t *Task) retryCount() int {
	if t.Event != nil {
		return t.Event.RetryCount
	}
	return t.Message.RetryCount
}

func (t *Task) bumpRetry() {
	if t.Event != nil {
		t.Event.RetryCount++
		return
	}
	t.Message.RetryCount++
}

func (t *Task) recordFailure(err error) {
	if t.Event != nil {
		t.Event.RecordFailure(err)
		return
	}
	t.Message.RecordFailure(err)
}

func (t *Task) setStatus(s event.Status) {
	if t.Event != nil {
		t.Event.SetStatus(s)
		return
	}
	if t.Message.Status.CanTransition(s) {
		t.Message.Status = s
	}
}

func (t *Task) receivedAt() time.Time {
	if t.Event != nil {
		return t.Event.ReceivedAt
	}
	return t.Message.Timestamp
}

// Config tunes the pool.
type Config struct {
	Workers int          `yaml:"workers"`
	Retry   retry.Config `yaml:"retry"`
}

// DefaultConfig returns the standard pool tuning.
func DefaultConfig() Config {
	return Config{
		Workers: 10,
		Retry:   retry.DefaultConfig(),
	}
}

// Deps carries the pool's collaborators.
type Deps struct {
	Queue       *queue.Queue[*Task]
	Registry    *transform.Registry
	Sink        sink.Sink
	DeadLetters *deadletter.Store
	Logger      *slog.Logger
	Metrics     *metric.Registry
	Collector   *metric.Collector
}

// Pool is the delivery worker pool.
type Pool struct {
	cfg  Config
	deps Deps

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	shutdown    chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	processed    atomic.Int64
	failed       atomic.Int64
	filtered     atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// NewPool creates the pool. Queue, Registry, Sink and DeadLetters are
// required.
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	if deps.Queue == nil || deps.Registry == nil || deps.Sink == nil || deps.DeadLetters == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"Pool", "NewPool", "queue, registry, sink and dead letter store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "worker-pool")
	}

	return &Pool{cfg: cfg, deps: deps, shutdown: make(chan struct{})}, nil
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.ErrAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	p.deps.Logger.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop drains the workers. Items already dequeued finish their current
// attempt; pending retry timers fire into the dead letter store.
func (p *Pool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.shutdown)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.deps.Logger.Info("worker pool stopped")
		return nil
	case <-timer.C:
		return errors.ErrStopTimeout
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		task, ok := p.deps.Queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.process(ctx, task)
	}
}

// process runs one delivery attempt end to end.
func (p *Pool) process(ctx context.Context, task *Task) {
	task.setStatus(event.StatusProcessing)

	record, err := p.normalize(task)
	if err != nil {
		// A payload that cannot be normalized will never succeed.
		p.handleFailure(task, err, false)
		return
	}

	if !p.passesFilters(task, record) {
		p.filtered.Add(1)
		task.setStatus(event.StatusProcessed)
		p.observeOutcome(task, "filtered", time.Duration(0))
		return
	}

	start := time.Now()
	if err := p.deps.Sink.Send(ctx, record); err != nil {
		p.handleFailure(task, err, errors.Retryable(err))
		return
	}

	latency := time.Since(task.receivedAt())
	if task.Message != nil {
		task.Message.Latency = latency
	}
	task.setStatus(event.StatusProcessed)
	p.processed.Add(1)

	if p.deps.Collector != nil {
		p.deps.Collector.RecordProcessed(latency)
	}
	p.observeOutcome(task, "processed", time.Since(start))
}

func (p *Pool) normalize(task *Task) (*event.NormalizedRecord, error) {
	if task.Event != nil {
		return p.deps.Registry.NormalizeEvent(task.Event)
	}
	return p.deps.Registry.NormalizeMessage(task.Message, task.Stream)
}

// passesFilters applies endpoint event-type allow lists to webhook events and
// the configured filter rules to stream messages.
func (p *Pool) passesFilters(task *Task, record *event.NormalizedRecord) bool {
	if task.Event != nil {
		if task.Endpoint == nil || len(task.Endpoint.AllowedEventTypes) == 0 {
			return true
		}
		for _, allowed := range task.Endpoint.AllowedEventTypes {
			if record.EventType == allowed {
				return true
			}
		}
		return false
	}
	return transform.PassesFilters(record, task.Stream.Filters)
}

// handleFailure records the failure and either schedules a retry or moves the
// task to the dead letter store.
func (p *Pool) handleFailure(task *Task, err error, retryable bool) {
	task.recordFailure(err)
	task.setStatus(event.StatusFailed)
	p.failed.Add(1)
	if p.deps.Collector != nil {
		p.deps.Collector.RecordFailed()
	}

	attempt := task.retryCount() + 1
	if !retryable || attempt >= p.cfg.Retry.MaxAttempts {
		p.deadLetter(task)
		return
	}

	task.bumpRetry()
	delay := p.cfg.Retry.Delay(task.retryCount())
	p.retried.Add(1)
	p.deps.Logger.Debug("delivery failed, retry scheduled",
		"source", task.Source(), "retry", task.retryCount(), "delay", delay, "error", err)

	time.AfterFunc(delay, func() { p.resubmit(task) })
}

// resubmit puts a failed task back on the queue after its backoff delay. If
// the pool is stopped or the queue stays full, the task is dead lettered so
// it remains inspectable.
func (p *Pool) resubmit(task *Task) {
	select {
	case <-p.shutdown:
		p.deadLetter(task)
		return
	default:
	}

	task.setStatus(event.StatusQueued)
	if err := p.deps.Queue.TryEnqueue(task); err != nil {
		p.deadLetter(task)
	}
}

func (p *Pool) deadLetter(task *Task) {
	task.setStatus(event.StatusDead)
	if task.Event != nil {
		p.deps.DeadLetters.AddEvent(task.Event)
	} else {
		p.deps.DeadLetters.AddMessage(task.Message)
	}
	p.deadLettered.Add(1)

	if p.deps.Collector != nil {
		p.deps.Collector.RecordDeadLettered()
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.Core.DeadLettered.Inc()
	}
	p.deps.Logger.Warn("task dead lettered",
		"source", task.Source(), "retries", task.retryCount())
}

func (p *Pool) observeOutcome(task *Task, outcome string, duration time.Duration) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.Core.EventsProcessed.WithLabelValues(task.Source(), outcome).Inc()
	if outcome == "processed" {
		p.deps.Metrics.Core.ProcessingDuration.
			WithLabelValues(task.Source(), "success").Observe(duration.Seconds())
	}
}

// Stats holds cumulative pool counters.
type Stats struct {
	Workers      int   `json:"workers"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Filtered     int64 `json:"filtered"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:      p.cfg.Workers,
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Filtered:     p.filtered.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}
