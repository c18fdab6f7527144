package transform

import (
	"testing"
	"time"

	"github.com/churnguard/eventcore/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStripeEvent(t *testing.T) {
	r := NewRegistry()

	ev := event.NewIngestionEvent("stripe", "acme")
	ev.RawPayload = []byte(`{
		"id": "evt_123",
		"type": "customer.subscription.deleted",
		"created": 1700000000,
		"data": {"object": {"customer": "cus_9", "plan": "pro"}}
	}`)

	rec, err := r.NormalizeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "customer.subscription.deleted", rec.EventType)
	assert.Equal(t, "cus_9", rec.Fields["customer"])
	assert.Equal(t, "evt_123", rec.Fields["stripe_event_id"])
	assert.Equal(t, "acme", rec.OrganizationID)
}

func TestNormalizeSalesforceEvent(t *testing.T) {
	r := NewRegistry()

	ev := event.NewIngestionEvent("salesforce", "acme")
	ev.RawPayload = []byte(`{
		"event": {"type": "AccountChange"},
		"sobject": {"Id": "001xx", "Name": "Acme Corp"}
	}`)

	rec, err := r.NormalizeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "AccountChange", rec.EventType)
	assert.Equal(t, "Acme Corp", rec.Fields["Name"])
}

func TestNormalizeUnknownProviderFallsBack(t *testing.T) {
	r := NewRegistry()

	ev := event.NewIngestionEvent("vendor-nobody-heard-of", "acme")
	ev.RawPayload = []byte(`{"event_type": "signup", "user": "u1"}`)

	rec, err := r.NormalizeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "signup", rec.EventType)
	assert.Equal(t, "u1", rec.Fields["user"])
}

func TestNormalizeNonJSONBody(t *testing.T) {
	r := NewRegistry()

	ev := event.NewIngestionEvent("generic", "acme")
	ev.RawPayload = []byte("plain text notification")

	rec, err := r.NormalizeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "plain text notification", rec.Fields["raw"])
}

func TestRegisterCustomProvider(t *testing.T) {
	r := NewRegistry()
	r.Register("acmevendor", func(payload map[string]any) (map[string]any, string) {
		return map[string]any{"wrapped": payload["inner"]}, "custom"
	})

	ev := event.NewIngestionEvent("acmevendor", "acme")
	ev.RawPayload = []byte(`{"inner": 42}`)

	rec, err := r.NormalizeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "custom", rec.EventType)
	assert.Equal(t, float64(42), rec.Fields["wrapped"])
}

func TestNormalizeMessageJSONWithMappings(t *testing.T) {
	r := NewRegistry()

	cfg := (&event.StreamConfig{
		StreamID:       "orders",
		OrganizationID: "acme",
		TransportType:  event.TransportBrokerQueue,
		Topics:         []string{"orders"},
		FieldMappings:  map[string]string{"evt": "event_type", "amt": "amount"},
	}).WithDefaults()

	msg := event.NewStreamMessage("orders", "acme", []byte(`{"evt": "order.paid", "amt": 99.5}`))

	rec, err := r.NormalizeMessage(msg, cfg)
	require.NoError(t, err)
	assert.Equal(t, "order.paid", rec.EventType)
	assert.Equal(t, 99.5, rec.Fields["amount"])
	_, hasOld := rec.Fields["amt"]
	assert.False(t, hasOld, "mapped source key should be renamed")
}

func TestNormalizeMessageMalformedJSON(t *testing.T) {
	r := NewRegistry()
	cfg := (&event.StreamConfig{
		StreamID: "s", OrganizationID: "acme",
		TransportType: event.TransportBrokerQueue, Topics: []string{"t"},
	}).WithDefaults()

	msg := event.NewStreamMessage("s", "acme", []byte(`{not json`))
	_, err := r.NormalizeMessage(msg, cfg)
	assert.Error(t, err)
}

func TestNormalizeMessageTextFormat(t *testing.T) {
	r := NewRegistry()
	cfg := (&event.StreamConfig{
		StreamID: "s", OrganizationID: "acme",
		TransportType: event.TransportSocket, Topics: []string{"t"},
		DataFormat: "text",
	}).WithDefaults()

	msg := event.NewStreamMessage("s", "acme", []byte("raw line"))
	rec, err := r.NormalizeMessage(msg, cfg)
	require.NoError(t, err)
	assert.Equal(t, "raw line", rec.Fields["raw"])
}

func record(fields map[string]any) *event.NormalizedRecord {
	return &event.NormalizedRecord{
		EventID:        "e1",
		Provider:       "stripe",
		OrganizationID: "acme",
		EventType:      "order.paid",
		OccurredAt:     time.Now(),
		Fields:         fields,
	}
}

func TestFiltersEquals(t *testing.T) {
	rec := record(map[string]any{"plan": "pro"})

	pass := []event.FilterRule{{Field: "plan", Operator: "equals", Value: "pro"}}
	fail := []event.FilterRule{{Field: "plan", Operator: "equals", Value: "free"}}

	assert.True(t, PassesFilters(rec, pass))
	assert.False(t, PassesFilters(rec, fail))
}

func TestFiltersContains(t *testing.T) {
	rec := record(map[string]any{"email": "ops@acme.io"})
	assert.True(t, PassesFilters(rec, []event.FilterRule{
		{Field: "email", Operator: "contains", Value: "@acme"},
	}))
	assert.False(t, PassesFilters(rec, []event.FilterRule{
		{Field: "email", Operator: "contains", Value: "@globex"},
	}))
}

func TestFiltersRange(t *testing.T) {
	rec := record(map[string]any{"amount": 150.0})

	min, max := 100.0, 200.0
	assert.True(t, PassesFilters(rec, []event.FilterRule{
		{Field: "amount", Operator: "range", Min: &min, Max: &max},
	}))

	tooHigh := 50.0
	assert.False(t, PassesFilters(rec, []event.FilterRule{
		{Field: "amount", Operator: "range", Max: &tooHigh},
	}))
}

func TestFiltersMetadataFields(t *testing.T) {
	rec := record(nil)
	assert.True(t, PassesFilters(rec, []event.FilterRule{
		{Field: "event_type", Operator: "equals", Value: "order.paid"},
		{Field: "provider", Operator: "equals", Value: "stripe"},
	}))
}

func TestFiltersMissingFieldAndUnknownOperator(t *testing.T) {
	rec := record(map[string]any{})
	assert.False(t, PassesFilters(rec, []event.FilterRule{
		{Field: "nope", Operator: "equals", Value: "x"},
	}))
	assert.False(t, PassesFilters(rec, []event.FilterRule{
		{Field: "event_type", Operator: "regex", Value: ".*"},
	}))
}
