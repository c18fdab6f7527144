// Package engine wires the pipeline together: gateway, queue, worker pool,
// stream manager, health monitor and metrics, with ordered startup and
// shutdown.
package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/churnguard/eventcore/config"
	"github.com/churnguard/eventcore/configstore"
	"github.com/churnguard/eventcore/deadletter"
	"github.com/churnguard/eventcore/dedup"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/gateway"
	"github.com/churnguard/eventcore/health"
	"github.com/churnguard/eventcore/metric"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/ratelimit"
	"github.com/churnguard/eventcore/sink"
	"github.com/churnguard/eventcore/stream"
	"github.com/churnguard/eventcore/stream/natstransport"
	"github.com/churnguard/eventcore/stream/redistransport"
	"github.com/churnguard/eventcore/stream/sockettransport"
	"github.com/churnguard/eventcore/transform"
	"github.com/churnguard/eventcore/worker"
)

// drainPoll is the interval at which shutdown re-checks queue depth.
const drainPoll = 50 * time.Millisecond

// Engine owns every pipeline component.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	Metrics     *metric.Registry
	Collector   *metric.Collector
	Store       *configstore.Store
	Limiter     *ratelimit.Limiter
	Dedup       *dedup.Detector
	Queue       *queue.Queue[*worker.Task]
	DeadLetters *deadletter.Store
	Pool        *worker.Pool
	Streams     *stream.Manager
	Monitor     *health.Monitor
	Gateway     *gateway.Server

	cancel  context.CancelFunc
	started bool
}

// New builds the full component graph from cfg. Background sweeps run until
// Stop.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	metrics := metric.NewRegistry()
	collector := metric.NewCollector()
	store := configstore.New()
	limiter := ratelimit.New(ctx, cfg.RateLimit.Window, cfg.RateLimit.DefaultLimit)
	detector := dedup.New(ctx, cfg.Dedup.Retention, cfg.Dedup.SweepInterval)
	q := queue.New[*worker.Task](cfg.QueueCapacity)
	deadLetters := deadletter.NewStore(cfg.DeadLetterCapacity)

	httpSink, err := sink.NewHTTPSink(cfg.Sink, logger.With("component", "http-sink"))
	if err != nil {
		cancel()
		return nil, err
	}

	pool, err := worker.NewPool(cfg.Worker, worker.Deps{
		Queue:       q,
		Registry:    transform.NewRegistry(),
		Sink:        httpSink,
		DeadLetters: deadLetters,
		Logger:      logger.With("component", "worker-pool"),
		Metrics:     metrics,
		Collector:   collector,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	streams, err := stream.NewManager(stream.ManagerDeps{
		Store:     store,
		Queue:     q,
		Dedup:     detector,
		Logger:    logger.With("component", "stream-manager"),
		Metrics:   metrics,
		Collector: collector,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	registerTransports(streams)

	monitor := health.NewMonitor(cfg.Health, logger.With("component", "health-monitor"), metrics, nil)

	server, err := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Store:       store,
		Limiter:     limiter,
		Dedup:       detector,
		Queue:       q,
		Pool:        pool,
		DeadLetters: deadLetters,
		Logger:      logger.With("component", "gateway"),
		Metrics:     metrics,
		Collector:   collector,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		Metrics:     metrics,
		Collector:   collector,
		Store:       store,
		Limiter:     limiter,
		Dedup:       detector,
		Queue:       q,
		DeadLetters: deadLetters,
		Pool:        pool,
		Streams:     streams,
		Monitor:     monitor,
		Gateway:     server,
		cancel:      cancel,
	}
	e.loadConfigTables()
	e.registerHealthTargets()
	return e, nil
}

// registerTransports installs the three transport factories.
func registerTransports(m *stream.Manager) {
	m.RegisterTransport(event.TransportBrokerQueue,
		func(cfg *event.StreamConfig, _ *slog.Logger) (stream.Transport, error) {
			return natstransport.New(cfg), nil
		})
	m.RegisterTransport(event.TransportCacheStream,
		func(cfg *event.StreamConfig, _ *slog.Logger) (stream.Transport, error) {
			return redistransport.New(cfg), nil
		})
	m.RegisterTransport(event.TransportSocket,
		func(cfg *event.StreamConfig, _ *slog.Logger) (stream.Transport, error) {
			return sockettransport.New(cfg), nil
		})
}

// loadConfigTables seeds the config store from the static configuration and
// applies per-org rate limit overrides.
func (e *Engine) loadConfigTables() {
	for i := range e.cfg.Endpoints {
		ep := e.cfg.Endpoints[i]
		if err := e.Store.PutEndpoint(&ep); err != nil {
			e.logger.Error("endpoint config rejected",
				"provider", ep.Provider, "organization_id", ep.OrganizationID, "error", err)
			continue
		}
		if ep.MaxRequestsPerMinute > 0 {
			e.Limiter.SetOrgLimit(ep.OrganizationID, ep.MaxRequestsPerMinute)
		}
	}
	for i := range e.cfg.Streams {
		sc := e.cfg.Streams[i]
		if err := e.Store.PutStream(&sc); err != nil {
			e.logger.Error("stream config rejected", "stream_id", sc.StreamID, "error", err)
		}
	}
}

// registerHealthTargets wires the monitor to the pieces it scans.
func (e *Engine) registerHealthTargets() {
	e.Monitor.Register(health.Target{
		Name: "stream-consumers",
		Check: func() error {
			if failed := e.Streams.FailedStreams(); len(failed) > 0 {
				return errors.WrapTransport(errors.ErrConnectionLost,
					"Manager", "FailedStreams", "consumers down: "+joinIDs(failed))
			}
			return nil
		},
		Restart: func() error {
			var firstErr error
			for _, id := range e.Streams.FailedStreams() {
				if err := e.Streams.RestartConsumer(id); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	})

	e.Monitor.Register(health.Target{
		Name: "event-queue",
		Check: func() error {
			if e.Queue.Occupancy() >= 1.0 {
				return errors.WrapCapacity(errors.ErrQueueFull, "Queue", "Check", "occupancy probe")
			}
			return nil
		},
	})
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// Start brings the pipeline up: workers first so the queue drains from the
// moment ingress opens, then consumers, monitor and gateway.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.ErrAlreadyStarted
	}

	if err := e.Pool.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Streams.Start(gctx) })
	g.Go(func() error { return e.Monitor.Start(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.Gateway.Start(ctx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("engine started",
		"queue_capacity", e.cfg.QueueCapacity, "workers", e.cfg.Worker.Workers)
	return nil
}

// Stop tears the pipeline down in dependency order: close ingress and stop
// pulling streams, drain admitted work within the grace period, then stop the
// workers. Unprocessed items are left for upstream redelivery.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.started {
		return nil
	}
	e.started = false
	deadline := time.Now().Add(timeout)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.Gateway.Stop(remaining(deadline)))
	record(e.Streams.Stop(remaining(deadline)))
	record(e.Monitor.Stop(remaining(deadline)))

	e.drainQueue(deadline)
	e.Queue.Close()
	record(e.Pool.Stop(remaining(deadline)))

	e.cancel()
	e.Limiter.Close()
	e.Dedup.Close()

	if firstErr != nil {
		e.logger.Warn("engine stopped with errors", "error", firstErr)
	} else {
		e.logger.Info("engine stopped")
	}
	return firstErr
}

// drainQueue waits for admitted work to be consumed, up to the deadline.
func (e *Engine) drainQueue(deadline time.Time) {
	for e.Queue.Depth() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPoll)
	}
	if depth := e.Queue.Depth(); depth > 0 {
		e.logger.Warn("shutdown grace period expired with queued work", "depth", depth)
	}
}

func remaining(deadline time.Time) time.Duration {
	r := time.Until(deadline)
	if r < time.Second {
		return time.Second
	}
	return r
}
