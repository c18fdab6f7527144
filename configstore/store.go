// Package configstore holds the endpoint and stream configuration tables.
// Durable storage is owned externally; this store is the in-memory working
// set loaded at startup and mutated through the admin API. It owns and
// internally synchronizes its state.
package configstore

import (
	"fmt"
	"sync"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
)

// ChangeKind describes what happened to a config record.
type ChangeKind int

// Change kinds delivered to subscribers.
const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
)

// StreamChange notifies a subscriber that a stream config changed.
type StreamChange struct {
	Kind   ChangeKind
	Config *event.StreamConfig
}

// Store is the synchronized config table set.
type Store struct {
	mu        sync.RWMutex
	endpoints map[string]*event.EndpointConfig // key: provider/org
	streams   map[string]*event.StreamConfig   // key: streamID

	streamSubs []func(StreamChange)
}

// New creates an empty store.
func New() *Store {
	return &Store{
		endpoints: make(map[string]*event.EndpointConfig),
		streams:   make(map[string]*event.StreamConfig),
	}
}

func endpointKey(provider, orgID string) string {
	return provider + "/" + orgID
}

// --- Endpoint configs ---

// PutEndpoint creates or replaces an endpoint config.
func (s *Store) PutEndpoint(cfg *event.EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.WrapValidation(err, "Store", "PutEndpoint", "config validation")
	}
	if cfg.EndpointID == "" {
		cfg.EndpointID = fmt.Sprintf("%s-%s", cfg.Provider, cfg.OrganizationID)
	}

	clone := *cfg
	s.mu.Lock()
	s.endpoints[endpointKey(cfg.Provider, cfg.OrganizationID)] = &clone
	s.mu.Unlock()
	return nil
}

// ResolveEndpoint returns the config for (provider, org). Unknown pairs fall
// back to the unauthenticated generic mode rather than an error.
func (s *Store) ResolveEndpoint(provider, orgID string) *event.EndpointConfig {
	s.mu.RLock()
	cfg, ok := s.endpoints[endpointKey(provider, orgID)]
	s.mu.RUnlock()

	if !ok {
		return event.DefaultEndpointConfig(provider, orgID)
	}
	clone := *cfg
	return &clone
}

// GetEndpoint returns the registered config for (provider, org), if any.
func (s *Store) GetEndpoint(provider, orgID string) (*event.EndpointConfig, error) {
	s.mu.RLock()
	cfg, ok := s.endpoints[endpointKey(provider, orgID)]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WrapValidation(errors.ErrConfigNotFound, "Store", "GetEndpoint",
			fmt.Sprintf("lookup %s/%s", provider, orgID))
	}
	clone := *cfg
	return &clone, nil
}

// DeleteEndpoint removes the config for (provider, org).
func (s *Store) DeleteEndpoint(provider, orgID string) error {
	key := endpointKey(provider, orgID)

	s.mu.Lock()
	_, ok := s.endpoints[key]
	delete(s.endpoints, key)
	s.mu.Unlock()

	if !ok {
		return errors.WrapValidation(errors.ErrConfigNotFound, "Store", "DeleteEndpoint",
			fmt.Sprintf("delete %s/%s", provider, orgID))
	}
	return nil
}

// ListEndpoints returns all registered endpoint configs.
func (s *Store) ListEndpoints() []*event.EndpointConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*event.EndpointConfig, 0, len(s.endpoints))
	for _, cfg := range s.endpoints {
		clone := *cfg
		out = append(out, &clone)
	}
	return out
}

// EndpointCount returns the number of registered endpoints.
func (s *Store) EndpointCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// --- Stream configs ---

// SubscribeStreams registers fn to be called (synchronously) on every stream
// config change. Subscribe before mutating; there is no replay.
func (s *Store) SubscribeStreams(fn func(StreamChange)) {
	s.mu.Lock()
	s.streamSubs = append(s.streamSubs, fn)
	s.mu.Unlock()
}

func (s *Store) notifyStream(change StreamChange) {
	s.mu.RLock()
	subs := make([]func(StreamChange), len(s.streamSubs))
	copy(subs, s.streamSubs)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

// PutStream creates or replaces a stream config and notifies subscribers.
func (s *Store) PutStream(cfg *event.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.WrapValidation(err, "Store", "PutStream", "config validation")
	}

	clone := *cfg
	s.mu.Lock()
	_, existed := s.streams[cfg.StreamID]
	s.streams[cfg.StreamID] = &clone
	s.mu.Unlock()

	kind := ChangeCreated
	if existed {
		kind = ChangeUpdated
	}
	notifyClone := clone
	s.notifyStream(StreamChange{Kind: kind, Config: &notifyClone})
	return nil
}

// GetStream returns the config for streamID.
func (s *Store) GetStream(streamID string) (*event.StreamConfig, error) {
	s.mu.RLock()
	cfg, ok := s.streams[streamID]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WrapValidation(errors.ErrConfigNotFound, "Store", "GetStream",
			fmt.Sprintf("lookup %s", streamID))
	}
	clone := *cfg
	return &clone, nil
}

// DeleteStream removes the config for streamID and notifies subscribers.
func (s *Store) DeleteStream(streamID string) error {
	s.mu.Lock()
	cfg, ok := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()

	if !ok {
		return errors.WrapValidation(errors.ErrConfigNotFound, "Store", "DeleteStream",
			fmt.Sprintf("delete %s", streamID))
	}
	clone := *cfg
	s.notifyStream(StreamChange{Kind: ChangeDeleted, Config: &clone})
	return nil
}

// ListStreams returns all registered stream configs.
func (s *Store) ListStreams() []*event.StreamConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*event.StreamConfig, 0, len(s.streams))
	for _, cfg := range s.streams {
		clone := *cfg
		out = append(out, &clone)
	}
	return out
}
