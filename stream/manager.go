package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/churnguard/eventcore/configstore"
	"github.com/churnguard/eventcore/dedup"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/metric"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/worker"
)

// TransportFactory builds the transport for a stream config. Registered per
// transport type so the manager stays transport-agnostic.
type TransportFactory func(cfg *event.StreamConfig, logger *slog.Logger) (Transport, error)

// consumerStopTimeout bounds how long the manager waits for one consumer
// during teardown and config swaps.
const consumerStopTimeout = 10 * time.Second

// ManagerDeps carries the manager's collaborators. Dedup is optional and is
// handed to every consumer to absorb transport redeliveries.
type ManagerDeps struct {
	Store     *configstore.Store
	Queue     *queue.Queue[*worker.Task]
	Dedup     *dedup.Detector
	Logger    *slog.Logger
	Metrics   *metric.Registry
	Collector *metric.Collector
}

// Manager keeps one running consumer per active stream config, reacting to
// config changes from the store.
type Manager struct {
	deps      ManagerDeps
	factories map[event.TransportType]TransportFactory

	mu        sync.Mutex
	consumers map[string]*Consumer
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// NewManager creates a manager. Store and Queue are required.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Store == nil || deps.Queue == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"Manager", "NewManager", "store and queue are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "stream-manager")
	}

	return &Manager{
		deps:      deps,
		factories: make(map[event.TransportType]TransportFactory),
		consumers: make(map[string]*Consumer),
	}, nil
}

// RegisterTransport installs the factory for one transport type. Call before
// Start.
func (m *Manager) RegisterTransport(t event.TransportType, factory TransportFactory) {
	m.factories[t] = factory
}

// Start subscribes to config changes and launches consumers for every active
// stream already in the store.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	m.deps.Store.SubscribeStreams(m.onChange)

	for _, cfg := range m.deps.Store.ListStreams() {
		if cfg.Active {
			m.startConsumer(cfg)
		}
	}
	return nil
}

// Stop stops every running consumer.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.cancel()
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.consumers = make(map[string]*Consumer)
	m.mu.Unlock()

	var firstErr error
	for _, c := range consumers {
		if err := c.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// onChange applies one config change: created/updated streams get a fresh
// consumer (the old one, if any, is stopped first), deleted or deactivated
// streams lose theirs.
func (m *Manager) onChange(change configstore.StreamChange) {
	cfg := change.Config

	switch change.Kind {
	case configstore.ChangeDeleted:
		m.stopConsumer(cfg.StreamID)
	case configstore.ChangeCreated, configstore.ChangeUpdated:
		m.stopConsumer(cfg.StreamID)
		if cfg.Active {
			m.startConsumer(cfg)
		}
	}
}

func (m *Manager) startConsumer(cfg *event.StreamConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}

	factory, ok := m.factories[cfg.TransportType]
	if !ok {
		m.deps.Logger.Error("no transport registered",
			"stream_id", cfg.StreamID, "transport", cfg.TransportType)
		return
	}

	logger := m.deps.Logger.With("stream_id", cfg.StreamID)
	transport, err := factory(cfg, logger)
	if err != nil {
		m.deps.Logger.Error("transport construction failed",
			"stream_id", cfg.StreamID, "error", err)
		return
	}

	consumer, err := NewConsumer(cfg, Deps{
		Transport: transport,
		Queue:     m.deps.Queue,
		Dedup:     m.deps.Dedup,
		Logger:    logger,
		Metrics:   m.deps.Metrics,
		Collector: m.deps.Collector,
	})
	if err != nil {
		m.deps.Logger.Error("consumer construction failed",
			"stream_id", cfg.StreamID, "error", err)
		return
	}

	if err := consumer.Start(m.ctx); err != nil {
		m.deps.Logger.Error("consumer start failed",
			"stream_id", cfg.StreamID, "error", err)
		return
	}
	m.consumers[cfg.StreamID] = consumer
	m.deps.Logger.Info("consumer started",
		"stream_id", cfg.StreamID, "transport", cfg.TransportType)
}

func (m *Manager) stopConsumer(streamID string) {
	m.mu.Lock()
	consumer, ok := m.consumers[streamID]
	delete(m.consumers, streamID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := consumer.Stop(consumerStopTimeout); err != nil {
		m.deps.Logger.Warn("consumer stop failed", "stream_id", streamID, "error", err)
	} else {
		m.deps.Logger.Info("consumer stopped", "stream_id", streamID)
	}
}

// Consumer returns the running consumer for streamID, if any.
func (m *Manager) Consumer(streamID string) (*Consumer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[streamID]
	return c, ok
}

// RestartConsumer stops and relaunches the consumer for streamID from its
// current stored config. Used by the health monitor on failed consumers.
func (m *Manager) RestartConsumer(streamID string) error {
	cfg, err := m.deps.Store.GetStream(streamID)
	if err != nil {
		return err
	}
	m.stopConsumer(streamID)
	if cfg.Active {
		m.startConsumer(cfg)
	}
	return nil
}

// Stats returns per-consumer snapshots keyed by stream id.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.consumers))
	for id, c := range m.consumers {
		out[id] = c.Stats()
	}
	return out
}

// FailedStreams lists stream ids whose consumers parked in StateFailed.
func (m *Manager) FailedStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, c := range m.consumers {
		if c.State() == StateFailed {
			out = append(out, id)
		}
	}
	return out
}
