// Package event defines the data model shared across the ingestion pipeline:
// ingestion events, stream messages, their lifecycle status machine, and the
// endpoint/stream configuration records resolved at ingress.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks an event or message through the pipeline. Transitions only
// move forward, with the single exception of Failed -> Queued for a retry.
// Dead is terminal and immutable.
type Status int

const (
	// StatusReceived indicates the event was accepted at ingress.
	StatusReceived Status = iota
	// StatusQueued indicates the event was admitted to a processing queue.
	StatusQueued
	// StatusProcessing indicates a worker currently owns the event.
	StatusProcessing
	// StatusProcessed indicates the downstream sink accepted the event.
	StatusProcessed
	// StatusFailed indicates the last delivery attempt failed.
	StatusFailed
	// StatusDead indicates the retry budget is exhausted; terminal.
	StatusDead
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusReceived:
		return "received"
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Failed -> Queued is the retry edge; everything else only moves
// forward, and nothing leaves Dead.
func (s Status) CanTransition(next Status) bool {
	if s == StatusDead {
		return false
	}
	if s == StatusFailed && next == StatusQueued {
		return true
	}
	return next > s
}

// Terminal reports whether the status ends the event's in-memory lifecycle.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusDead
}

// ErrorEntry records one failed delivery attempt for later inspection.
type ErrorEntry struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// IngestionEvent is a webhook delivery accepted by the gateway.
type IngestionEvent struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	OrganizationID string            `json:"organization_id"`
	EventType      string            `json:"event_type"`
	ReceivedAt     time.Time         `json:"received_at"`
	RawPayload     []byte            `json:"raw_payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	SignatureValid bool              `json:"signature_valid"`
	Duplicate      bool              `json:"duplicate"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retry_count"`
	Errors         []ErrorEntry      `json:"errors,omitempty"`
	SourceIP       string            `json:"source_ip,omitempty"`
}

// NewIngestionEvent builds a received event with a fresh id.
func NewIngestionEvent(provider, orgID string) *IngestionEvent {
	return &IngestionEvent{
		ID:             uuid.NewString(),
		Provider:       provider,
		OrganizationID: orgID,
		ReceivedAt:     time.Now().UTC(),
		Status:         StatusReceived,
	}
}

// SetStatus applies a lifecycle transition, ignoring illegal ones. It returns
// true if the transition was applied.
func (e *IngestionEvent) SetStatus(next Status) bool {
	if !e.Status.CanTransition(next) {
		return false
	}
	e.Status = next
	return true
}

// RecordFailure appends an error entry for the attempt that just failed.
func (e *IngestionEvent) RecordFailure(err error) {
	e.Errors = append(e.Errors, ErrorEntry{
		Attempt:   e.RetryCount,
		Timestamp: time.Now().UTC(),
		Message:   err.Error(),
	})
}

// LastError returns the most recent failure message, or "" if none.
func (e *IngestionEvent) LastError() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[len(e.Errors)-1].Message
}

// StreamMessage is one item pulled from an external stream transport.
type StreamMessage struct {
	ID              string        `json:"id"`
	StreamID        string        `json:"stream_id"`
	OrganizationID  string        `json:"organization_id"`
	Timestamp       time.Time     `json:"timestamp"`
	Payload         []byte        `json:"payload"`
	SourceTopic     string        `json:"source_topic"`
	SourcePartition int           `json:"source_partition"`
	SourceOffset    int64         `json:"source_offset"`
	Status          Status        `json:"status"`
	RetryCount      int           `json:"retry_count"`
	Errors          []ErrorEntry  `json:"errors,omitempty"`
	Latency         time.Duration `json:"processing_latency"`
}

// NewStreamMessage builds a received stream message with a fresh id.
func NewStreamMessage(streamID, orgID string, payload []byte) *StreamMessage {
	return &StreamMessage{
		ID:             uuid.NewString(),
		StreamID:       streamID,
		OrganizationID: orgID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
		Status:         StatusReceived,
	}
}

// RecordFailure appends an error entry for the attempt that just failed.
func (m *StreamMessage) RecordFailure(err error) {
	m.Errors = append(m.Errors, ErrorEntry{
		Attempt:   m.RetryCount,
		Timestamp: time.Now().UTC(),
		Message:   err.Error(),
	})
}

// NormalizedRecord is the downstream-ready form of an event or message after
// provider normalization and field mapping.
type NormalizedRecord struct {
	EventID        string         `json:"event_id"`
	Provider       string         `json:"provider"`
	OrganizationID string         `json:"organization_id"`
	EventType      string         `json:"event_type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Fields         map[string]any `json:"fields"`
}
