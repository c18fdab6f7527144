package configstore

import (
	"testing"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointFixture() *event.EndpointConfig {
	cfg := event.DefaultEndpointConfig("stripe", "acme")
	cfg.SecretKey = "whsec_test"
	cfg.SignatureHeaderName = "Stripe-Signature"
	return cfg
}

func streamFixture(id string) *event.StreamConfig {
	return &event.StreamConfig{
		StreamID:       id,
		OrganizationID: "acme",
		TransportType:  event.TransportBrokerQueue,
		Topics:         []string{"orders"},
		Active:         true,
	}
}

func TestEndpointCRUD(t *testing.T) {
	s := New()

	require.NoError(t, s.PutEndpoint(endpointFixture()))
	assert.Equal(t, 1, s.EndpointCount())

	got, err := s.GetEndpoint("stripe", "acme")
	require.NoError(t, err)
	assert.True(t, got.Authenticated())

	// Mutating the returned copy must not affect the store
	got.SecretKey = ""
	again, err := s.GetEndpoint("stripe", "acme")
	require.NoError(t, err)
	assert.True(t, again.Authenticated())

	require.NoError(t, s.DeleteEndpoint("stripe", "acme"))
	_, err = s.GetEndpoint("stripe", "acme")
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
	assert.Error(t, s.DeleteEndpoint("stripe", "acme"))
}

func TestResolveEndpointFallsBackToGeneric(t *testing.T) {
	s := New()

	cfg := s.ResolveEndpoint("unknown-saas", "acme")
	require.NotNil(t, cfg)
	assert.False(t, cfg.Authenticated(), "unknown provider resolves to unauthenticated generic mode")
	assert.True(t, cfg.Active)
	assert.Equal(t, "acme", cfg.OrganizationID)
}

func TestPutEndpointRejectsInvalid(t *testing.T) {
	s := New()
	bad := &event.EndpointConfig{Provider: "stripe"} // missing org
	err := s.PutEndpoint(bad)
	require.Error(t, err)
	assert.Equal(t, errors.ClassValidation, errors.Classify(err))
}

func TestStreamCRUDAndNotifications(t *testing.T) {
	s := New()

	var changes []StreamChange
	s.SubscribeStreams(func(c StreamChange) { changes = append(changes, c) })

	require.NoError(t, s.PutStream(streamFixture("orders")))
	require.NoError(t, s.PutStream(streamFixture("orders"))) // update
	require.NoError(t, s.DeleteStream("orders"))

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeCreated, changes[0].Kind)
	assert.Equal(t, ChangeUpdated, changes[1].Kind)
	assert.Equal(t, ChangeDeleted, changes[2].Kind)

	_, err := s.GetStream("orders")
	assert.ErrorIs(t, err, errors.ErrConfigNotFound)
}

func TestListStreams(t *testing.T) {
	s := New()
	require.NoError(t, s.PutStream(streamFixture("a")))
	require.NoError(t, s.PutStream(streamFixture("b")))
	assert.Len(t, s.ListStreams(), 2)
}
