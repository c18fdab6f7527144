// Package transform turns raw ingestion events and stream messages into
// downstream-ready normalized records. Provider-specific shapes are handled
// by a registry mapping a provider tag to a normalization function; unknown
// providers fall back to a generic passthrough.
package transform

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
)

// NormalizeFunc converts a parsed payload into normalized fields and, where
// the provider encodes one, the event type.
type NormalizeFunc func(payload map[string]any) (fields map[string]any, eventType string)

// Registry maps provider tags to normalization functions. It is safe for
// concurrent use; registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]NormalizeFunc
}

// NewRegistry creates a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]NormalizeFunc)}
	r.Register("stripe", normalizeStripe)
	r.Register("salesforce", normalizeSalesforce)
	r.Register("generic", normalizeGeneric)
	return r
}

// Register adds or replaces the normalization function for a provider tag.
func (r *Registry) Register(provider string, fn NormalizeFunc) {
	r.mu.Lock()
	r.funcs[provider] = fn
	r.mu.Unlock()
}

// resolve returns the function for provider, falling back to generic.
func (r *Registry) resolve(provider string) NormalizeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[provider]; ok {
		return fn
	}
	return r.funcs["generic"]
}

// NormalizeEvent produces the downstream record for a webhook event.
func (r *Registry) NormalizeEvent(ev *event.IngestionEvent) (*event.NormalizedRecord, error) {
	payload := parsePayload(ev.RawPayload)

	fields, eventType := r.resolve(ev.Provider)(payload)
	if eventType == "" {
		eventType = ev.EventType
	}

	return &event.NormalizedRecord{
		EventID:        ev.ID,
		Provider:       ev.Provider,
		OrganizationID: ev.OrganizationID,
		EventType:      eventType,
		OccurredAt:     ev.ReceivedAt,
		Fields:         fields,
	}, nil
}

// NormalizeMessage produces the downstream record for a stream message,
// deserializing per the stream's data format and applying its field mappings.
func (r *Registry) NormalizeMessage(msg *event.StreamMessage, cfg *event.StreamConfig) (*event.NormalizedRecord, error) {
	var fields map[string]any

	switch cfg.DataFormat {
	case "", "json":
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return nil, errors.WrapProcessing(
				fmt.Errorf("%w: %v", errors.ErrMalformedPayload, err),
				"Registry", "NormalizeMessage", "json decode")
		}
	case "text":
		fields = map[string]any{"raw": string(msg.Payload)}
	default:
		return nil, errors.WrapProcessing(
			fmt.Errorf("unsupported data format %q", cfg.DataFormat),
			"Registry", "NormalizeMessage", "format dispatch")
	}

	fields = ApplyFieldMappings(fields, cfg.FieldMappings)

	eventType, _ := fields["event_type"].(string)

	return &event.NormalizedRecord{
		EventID:        msg.ID,
		Provider:       "stream:" + msg.StreamID,
		OrganizationID: msg.OrganizationID,
		EventType:      eventType,
		OccurredAt:     msg.Timestamp,
		Fields:         fields,
	}, nil
}

// ApplyFieldMappings renames keys per mappings (source -> target), leaving
// unmapped keys untouched.
func ApplyFieldMappings(fields map[string]any, mappings map[string]string) map[string]any {
	if len(mappings) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if target, ok := mappings[k]; ok {
			out[target] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// parsePayload best-effort decodes a raw body. Non-JSON bodies are wrapped as
// {"raw": "<text>"} so every event still produces a record.
func parsePayload(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{"raw": string(raw)}
}

// normalizeStripe flattens the Stripe envelope: type becomes the event type,
// data.object the fields.
func normalizeStripe(payload map[string]any) (map[string]any, string) {
	eventType, _ := payload["type"].(string)

	if data, ok := payload["data"].(map[string]any); ok {
		if obj, ok := data["object"].(map[string]any); ok {
			fields := cloneFields(obj)
			if id, ok := payload["id"].(string); ok {
				fields["stripe_event_id"] = id
			}
			if created, ok := payload["created"].(float64); ok {
				fields["created_at"] = time.Unix(int64(created), 0).UTC().Format(time.RFC3339)
			}
			return fields, eventType
		}
	}
	return cloneFields(payload), eventType
}

// normalizeSalesforce flattens the CDC envelope: sobject carries the record,
// event.type the event type.
func normalizeSalesforce(payload map[string]any) (map[string]any, string) {
	var eventType string
	if evt, ok := payload["event"].(map[string]any); ok {
		eventType, _ = evt["type"].(string)
	}

	if sobject, ok := payload["sobject"].(map[string]any); ok {
		return cloneFields(sobject), eventType
	}
	return cloneFields(payload), eventType
}

// normalizeGeneric passes the payload through, reading event_type or type if
// present.
func normalizeGeneric(payload map[string]any) (map[string]any, string) {
	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		eventType, _ = payload["type"].(string)
	}
	return cloneFields(payload), eventType
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
