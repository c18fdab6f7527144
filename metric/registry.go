// Package metric provides the Prometheus registry shared by every component
// and an in-memory collector computing trailing-window pipeline statistics
// for the health and status endpoints.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/churnguard/eventcore/errors"
)

// Registry manages registration and lifecycle of component metrics on a
// single Prometheus registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a registry preloaded with the core pipeline metrics and
// Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.Core = newMetrics()
	r.prometheusRegistry.MustRegister(
		r.Core.EventsReceived,
		r.Core.EventsProcessed,
		r.Core.QueueDepth,
		r.Core.ProcessingDuration,
		r.Core.RateLimited,
		r.Core.Duplicates,
		r.Core.SignatureFailures,
		r.Core.TransportConnected,
		r.Core.ComponentHealth,
		r.Core.ComponentRestarts,
		r.Core.DeadLettered,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// Register registers a component-specific collector under component.name.
// Registering the same key twice is a validation error.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapValidation(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapValidation(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapProcessing(err, "Registry", "Register", "register collector")
	}

	r.registered[key] = c
	return nil
}

// Unregister removes a component collector. Returns false if unknown.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}

// Metrics holds the core pipeline metrics shared across components.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EventsProcessed    *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	ProcessingDuration *prometheus.HistogramVec
	RateLimited        prometheus.Counter
	Duplicates         prometheus.Counter
	SignatureFailures  prometheus.Counter
	TransportConnected *prometheus.GaugeVec
	ComponentHealth    *prometheus.GaugeVec
	ComponentRestarts  *prometheus.CounterVec
	DeadLettered       prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_events_received_total",
			Help: "Events arriving at ingress by source and outcome",
		}, []string{"source", "outcome"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_events_processed_total",
			Help: "Events leaving the worker pool by outcome",
		}, []string{"source", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_queue_depth",
			Help: "Current depth of each bounded queue",
		}, []string{"queue"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_processing_duration_seconds",
			Help:    "End to end processing time per event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"source", "status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_rate_limited_total",
			Help: "Requests rejected by the sliding window rate limiter",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_duplicates_total",
			Help: "Events short-circuited by the duplicate detector",
		}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_signature_failures_total",
			Help: "Webhook deliveries rejected for bad or missing signatures",
		}),
		TransportConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_transport_connected",
			Help: "1 when the stream transport holds a live connection",
		}, []string{"stream_id"}),
		ComponentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_component_healthy",
			Help: "1 when the component's last health check passed",
		}, []string{"component"}),
		ComponentRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_component_restarts_total",
			Help: "Restarts performed by the health monitor",
		}, []string{"component"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_dead_lettered_total",
			Help: "Events moved to the dead letter store",
		}),
	}
}
