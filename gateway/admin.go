package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	stderrors "errors"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
)

// registerAdminRoutes installs the config CRUD and dead letter inspection
// surface.
func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /admin/endpoints", s.handlePutEndpoint)
	mux.HandleFunc("GET /admin/endpoints/{provider}/{organizationId}", s.handleGetEndpoint)
	mux.HandleFunc("PUT /admin/endpoints/{provider}/{organizationId}", s.handlePutEndpoint)
	mux.HandleFunc("DELETE /admin/endpoints/{provider}/{organizationId}", s.handleDeleteEndpoint)

	mux.HandleFunc("GET /admin/streams", s.handleListStreams)
	mux.HandleFunc("POST /admin/streams", s.handlePutStream)
	mux.HandleFunc("GET /admin/streams/{streamId}", s.handleGetStream)
	mux.HandleFunc("PUT /admin/streams/{streamId}", s.handlePutStream)
	mux.HandleFunc("DELETE /admin/streams/{streamId}", s.handleDeleteStream)

	mux.HandleFunc("GET /admin/deadletters", s.handleListDeadLetters)
}

// adminError writes the structured error body, mapping unknown configs to 404.
func (s *Server) adminError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if stderrors.Is(err, errors.ErrConfigNotFound) {
		status = http.StatusNotFound
	}
	s.respondJSON(w, status, errors.ToAPIError(err))
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Store.ListEndpoints())
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetEndpoint(r.PathValue("provider"), r.PathValue("organizationId"))
	if err != nil {
		s.adminError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutEndpoint(w http.ResponseWriter, r *http.Request) {
	var cfg event.EndpointConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.adminError(w, errors.WrapValidation(err, "Server", "handlePutEndpoint", "decode body"))
		return
	}
	if provider := r.PathValue("provider"); provider != "" {
		cfg.Provider = provider
	}
	if orgID := r.PathValue("organizationId"); orgID != "" {
		cfg.OrganizationID = orgID
	}

	if err := s.deps.Store.PutEndpoint(&cfg); err != nil {
		s.adminError(w, err)
		return
	}

	// Per-org rate limit overrides take effect immediately.
	if cfg.MaxRequestsPerMinute > 0 {
		s.deps.Limiter.SetOrgLimit(cfg.OrganizationID, cfg.MaxRequestsPerMinute)
	}

	s.deps.Logger.Info("endpoint config saved",
		"provider", cfg.Provider, "organization_id", cfg.OrganizationID)
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEndpoint(r.PathValue("provider"), r.PathValue("organizationId")); err != nil {
		s.adminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Store.ListStreams())
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetStream(r.PathValue("streamId"))
	if err != nil {
		s.adminError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutStream(w http.ResponseWriter, r *http.Request) {
	var cfg event.StreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.adminError(w, errors.WrapValidation(err, "Server", "handlePutStream", "decode body"))
		return
	}
	if id := r.PathValue("streamId"); id != "" {
		cfg.StreamID = id
	}

	if err := s.deps.Store.PutStream(&cfg); err != nil {
		s.adminError(w, err)
		return
	}

	s.deps.Logger.Info("stream config saved", "stream_id", cfg.StreamID)
	s.respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteStream(r.PathValue("streamId")); err != nil {
		s.adminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		s.respondJSON(w, http.StatusOK, []any{})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.adminError(w, errors.WrapValidation(errors.ErrInvalidConfig,
				"Server", "handleListDeadLetters", "parse limit"))
			return
		}
		limit = n
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"total":   s.deps.DeadLetters.Total(),
		"entries": s.deps.DeadLetters.List(limit),
	})
}
