// Package gateway is the HTTP ingress: webhook intake composing the
// rate-limit, size, signature and dedup checks before queue admission, plus
// the health and admin surfaces.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/churnguard/eventcore/configstore"
	"github.com/churnguard/eventcore/deadletter"
	"github.com/churnguard/eventcore/dedup"
	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/metric"
	"github.com/churnguard/eventcore/queue"
	"github.com/churnguard/eventcore/ratelimit"
	"github.com/churnguard/eventcore/signature"
	"github.com/churnguard/eventcore/worker"
)

// Config tunes the HTTP server.
type Config struct {
	BindAddress  string        `yaml:"bind_address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the standard server tuning.
func DefaultConfig() Config {
	return Config{
		BindAddress:  ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Deps carries the gateway's collaborators.
type Deps struct {
	Store       *configstore.Store
	Limiter     *ratelimit.Limiter
	Dedup       *dedup.Detector
	Queue       *queue.Queue[*worker.Task]
	Pool        *worker.Pool
	DeadLetters *deadletter.Store
	Logger      *slog.Logger
	Metrics     *metric.Registry
	Collector   *metric.Collector
}

// Server is the webhook ingress server.
type Server struct {
	cfg    Config
	deps   Deps
	server *http.Server

	mu   sync.Mutex
	addr string
}

// NewServer creates the server. Store, Limiter, Dedup and Queue are required.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Limiter == nil || deps.Dedup == nil || deps.Queue == nil {
		return nil, errors.WrapValidation(errors.ErrInvalidConfig,
			"Server", "NewServer", "store, limiter, dedup and queue are required")
	}
	def := DefaultConfig()
	if cfg.BindAddress == "" {
		cfg.BindAddress = def.BindAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "gateway")
	}

	s := &Server{cfg: cfg, deps: deps}
	s.server = &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler builds the route table. Exposed so tests can drive the mux without
// binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}/{organizationId}", s.handleWebhook)
	mux.HandleFunc("GET /webhooks/health", s.handleHealth)
	s.registerAdminRoutes(mux)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return mux
}

// Start begins serving. Non-blocking; listen errors after startup are logged.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return errors.WrapTransport(err, "Server", "Start", "bind listener")
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.deps.Logger.Error("http server stopped", "error", err)
		}
	}()

	s.deps.Logger.Info("gateway listening", "address", s.cfg.BindAddress)
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, allowing in-flight requests to finish.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransport(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// acceptResponse is the body returned for accepted (or deduplicated) events.
type acceptResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// handleWebhook runs the intake pipeline: resolve config, size check, rate
// limit, signature, dedup, enqueue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	orgID := r.PathValue("organizationId")

	cfg := s.deps.Store.ResolveEndpoint(provider, orgID)
	if !cfg.Active {
		s.reject(w, r, errors.WrapValidation(errors.ErrEndpointInactive,
			"Server", "handleWebhook", "endpoint lookup"))
		return
	}

	// Size check before reading: the declared length alone can reject, and
	// MaxBytesReader catches liars.
	if cfg.MaxPayloadBytes > 0 && r.ContentLength > cfg.MaxPayloadBytes {
		s.reject(w, r, errors.WrapValidation(errors.ErrPayloadTooLarge,
			"Server", "handleWebhook", "content length check"))
		return
	}
	// Rate limiting precedes the body read so a throttled caller gets 429
	// regardless of what it sent.
	if !s.deps.Limiter.Acquire(orgID, rateKey(orgID, r)) {
		s.countRateLimited()
		s.reject(w, r, errors.WrapCapacity(errors.ErrRateLimited,
			"Server", "handleWebhook", "rate limit check"))
		return
	}

	reader := r.Body
	if cfg.MaxPayloadBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, cfg.MaxPayloadBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			s.reject(w, r, errors.WrapValidation(errors.ErrPayloadTooLarge,
				"Server", "handleWebhook", "read body"))
			return
		}
		s.reject(w, r, errors.WrapValidation(errors.ErrMalformedPayload,
			"Server", "handleWebhook", "read body"))
		return
	}
	if len(body) == 0 {
		s.reject(w, r, errors.WrapValidation(errors.ErrMalformedPayload,
			"Server", "handleWebhook", "empty body"))
		return
	}

	if cfg.Authenticated() {
		provided := r.Header.Get(cfg.SignatureHeaderName)
		if provided == "" {
			s.countSignatureFailure()
			s.reject(w, r, errors.WrapAuth(errors.ErrMissingSignature,
				"Server", "handleWebhook", "signature check"))
			return
		}
		if !signature.Verify(cfg.SecretKey, cfg.SignatureAlgorithm, body, provided) {
			s.countSignatureFailure()
			s.reject(w, r, errors.WrapAuth(errors.ErrBadSignature,
				"Server", "handleWebhook", "signature check"))
			return
		}
	}

	hash := dedup.Hash(provider, orgID, body)
	if s.deps.Dedup.IsDuplicateAndRecord(hash) {
		// Accept-and-drop: the sender retried a delivery we already own.
		s.countDuplicate()
		s.observeReceived("duplicate")
		s.respondJSON(w, http.StatusOK, acceptResponse{Status: "accepted", Duplicate: true})
		return
	}

	ev := event.NewIngestionEvent(provider, orgID)
	ev.RawPayload = body
	ev.SourceIP = clientIP(r)
	ev.SignatureValid = cfg.Authenticated()
	ev.Headers = pickHeaders(r, cfg.SignatureHeaderName)
	ev.SetStatus(event.StatusQueued)

	task := &worker.Task{Event: ev, Endpoint: cfg}
	if err := s.deps.Queue.TryEnqueue(task); err != nil {
		// The 503 invites a retry, so the recorded hash must not survive to
		// swallow that retry as a duplicate.
		s.deps.Dedup.Forget(hash)
		s.reject(w, r, errors.WrapCapacity(errors.ErrQueueFull,
			"Server", "handleWebhook", "queue admission"))
		return
	}

	s.observeReceived("accepted")
	if s.deps.Collector != nil {
		s.deps.Collector.RecordReceived()
	}
	s.respondJSON(w, http.StatusOK, acceptResponse{Status: "accepted", EventID: ev.ID})
}

// healthResponse is the health endpoint body.
type healthResponse struct {
	Status         string          `json:"status"`
	QueueDepth     int             `json:"queueDepth"`
	ActiveWorkers  int             `json:"activeWorkers"`
	TotalEndpoints int             `json:"totalEndpoints"`
	TotalProcessed int64           `json:"totalProcessed"`
	Windows        metric.Snapshot `json:"windows"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		QueueDepth:     s.deps.Queue.Depth(),
		TotalEndpoints: s.deps.Store.EndpointCount(),
	}
	if s.deps.Pool != nil {
		st := s.deps.Pool.Stats()
		resp.ActiveWorkers = st.Workers
		resp.TotalProcessed = st.Processed
	}
	if s.deps.Collector != nil {
		resp.Windows = s.deps.Collector.Snapshot()
	}
	if s.deps.Queue.Occupancy() >= 1.0 {
		resp.Status = "degraded"
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// reject maps a classified error onto its HTTP status and structured body.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	s.observeReceived("rejected")
	s.deps.Logger.Debug("webhook rejected",
		"path", r.URL.Path, "class", errors.Classify(err).String(), "error", err)
	s.respondJSON(w, errors.HTTPStatus(err), errors.ToAPIError(err))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) observeReceived(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Core.EventsReceived.WithLabelValues("webhook", outcome).Inc()
	}
}

func (s *Server) countRateLimited() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Core.RateLimited.Inc()
	}
}

func (s *Server) countDuplicate() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Core.Duplicates.Inc()
	}
}

func (s *Server) countSignatureFailure() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Core.SignatureFailures.Inc()
	}
}

// rateKey scopes the sliding window to (organization, source address).
func rateKey(orgID string, r *http.Request) string {
	return orgID + "|" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pickHeaders keeps the headers useful for later inspection, excluding the
// signature itself.
func pickHeaders(r *http.Request, signatureHeader string) map[string]string {
	keep := map[string]string{}
	for _, name := range []string{"Content-Type", "User-Agent", "X-Request-Id"} {
		if v := r.Header.Get(name); v != "" {
			keep[name] = v
		}
	}
	if signatureHeader != "" {
		delete(keep, signatureHeader)
	}
	if len(keep) == 0 {
		return nil
	}
	return keep
}
