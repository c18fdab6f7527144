package event

import (
	"fmt"
	"time"
)

// Signature algorithms supported by the verifier.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmSHA1   = "sha1"
)

// EndpointConfig describes one webhook endpoint for a (provider, org) pair.
// An empty SecretKey is an explicit unauthenticated mode, distinct from a
// failed signature check.
type EndpointConfig struct {
	EndpointID           string   `json:"endpoint_id"            yaml:"endpoint_id"`
	OrganizationID       string   `json:"organization_id"        yaml:"organization_id"`
	Provider             string   `json:"provider"               yaml:"provider"`
	SecretKey            string   `json:"secret_key,omitempty"   yaml:"secret_key"`
	SignatureHeaderName  string   `json:"signature_header_name"  yaml:"signature_header_name"`
	SignatureAlgorithm   string   `json:"signature_algorithm"    yaml:"signature_algorithm"`
	AllowedEventTypes    []string `json:"allowed_event_types"    yaml:"allowed_event_types"`
	MaxRequestsPerMinute int      `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MaxPayloadBytes      int64    `json:"max_payload_bytes"      yaml:"max_payload_bytes"`
	Active               bool     `json:"active"                 yaml:"active"`
}

// Authenticated reports whether this endpoint requires signature checks.
func (c *EndpointConfig) Authenticated() bool {
	return c.SecretKey != ""
}

// Validate checks the configuration for errors
func (c *EndpointConfig) Validate() error {
	if c.OrganizationID == "" {
		return fmt.Errorf("organization_id is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Authenticated() && c.SignatureHeaderName == "" {
		return fmt.Errorf("signature_header_name is required when secret_key is set")
	}
	switch c.SignatureAlgorithm {
	case "", AlgorithmSHA256, AlgorithmSHA1:
	default:
		return fmt.Errorf("unsupported signature algorithm %q", c.SignatureAlgorithm)
	}
	if c.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("max_requests_per_minute cannot be negative")
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max_payload_bytes cannot be negative")
	}
	return nil
}

// DefaultEndpointConfig returns the unauthenticated generic fallback used
// when no endpoint is registered for a (provider, org) pair.
func DefaultEndpointConfig(provider, orgID string) *EndpointConfig {
	return &EndpointConfig{
		EndpointID:           fmt.Sprintf("generic-%s-%s", provider, orgID),
		OrganizationID:       orgID,
		Provider:             provider,
		SignatureAlgorithm:   AlgorithmSHA256,
		MaxRequestsPerMinute: 1000,
		MaxPayloadBytes:      1 << 20, // 1 MiB
		Active:               true,
	}
}

// TransportType selects the stream consumer implementation.
type TransportType string

// Supported stream transports.
const (
	TransportBrokerQueue TransportType = "broker_queue"
	TransportCacheStream TransportType = "cache_stream"
	TransportSocket      TransportType = "socket"
)

// FilterRule is a predicate over normalized record fields. Failing a filter
// drops the event without error.
type FilterRule struct {
	Field    string   `json:"field"    yaml:"field"`
	Operator string   `json:"operator" yaml:"operator"` // equals | contains | range
	Value    any      `json:"value"    yaml:"value"`
	Min      *float64 `json:"min,omitempty" yaml:"min"`
	Max      *float64 `json:"max,omitempty" yaml:"max"`
}

// StreamConfig describes one continuous stream feed.
type StreamConfig struct {
	StreamID       string            `json:"stream_id"       yaml:"stream_id"`
	OrganizationID string            `json:"organization_id" yaml:"organization_id"`
	TransportType  TransportType     `json:"transport_type"  yaml:"transport_type"`
	URL            string            `json:"url"             yaml:"url"`
	Topics         []string          `json:"topics"          yaml:"topics"`
	ConsumerGroup  string            `json:"consumer_group"  yaml:"consumer_group"`
	DataFormat     string            `json:"data_format"     yaml:"data_format"` // json | text
	BatchSize      int               `json:"batch_size"      yaml:"batch_size"`
	BatchTimeout   time.Duration     `json:"batch_timeout"   yaml:"batch_timeout"`
	Filters        []FilterRule      `json:"filters"         yaml:"filters"`
	FieldMappings  map[string]string `json:"field_mappings"  yaml:"field_mappings"`
	BufferCapacity int               `json:"buffer_capacity" yaml:"buffer_capacity"`
	Concurrency    int               `json:"concurrency"     yaml:"concurrency"`
	Active         bool              `json:"active"          yaml:"active"`
}

// Validate checks the configuration for errors
func (c *StreamConfig) Validate() error {
	if c.StreamID == "" {
		return fmt.Errorf("stream_id is required")
	}
	if c.OrganizationID == "" {
		return fmt.Errorf("organization_id is required")
	}
	switch c.TransportType {
	case TransportBrokerQueue, TransportCacheStream, TransportSocket:
	default:
		return fmt.Errorf("unsupported transport type %q", c.TransportType)
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	if c.BatchSize < 0 || c.BufferCapacity < 0 || c.Concurrency < 0 {
		return fmt.Errorf("batch_size, buffer_capacity and concurrency cannot be negative")
	}
	return nil
}

// WithDefaults fills unset tuning knobs with the standard values.
func (c *StreamConfig) WithDefaults() *StreamConfig {
	out := *c
	if out.BatchSize == 0 {
		out.BatchSize = 100
	}
	if out.BatchTimeout == 0 {
		out.BatchTimeout = 5 * time.Second
	}
	if out.BufferCapacity == 0 {
		out.BufferCapacity = 1000
	}
	if out.Concurrency == 0 {
		out.Concurrency = 3
	}
	if out.DataFormat == "" {
		out.DataFormat = "json"
	}
	return &out
}
