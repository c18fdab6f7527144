package sockettransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades each connection and writes every frame from frames.
func wsServer(t *testing.T, frames <-chan string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
}

func wsConfig(url string) *event.StreamConfig {
	return (&event.StreamConfig{
		StreamID:       "feed",
		OrganizationID: "acme",
		TransportType:  event.TransportSocket,
		URL:            "ws" + strings.TrimPrefix(url, "http"),
		Topics:         []string{"feed"},
		BufferCapacity: 4,
	}).WithDefaults()
}

func TestFetchBatchReceivesFrames(t *testing.T) {
	frames := make(chan string, 4)
	srv := wsServer(t, frames)
	defer srv.Close()

	tr := New(wsConfig(srv.URL))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	frames <- `{"event_type": "tick", "n": 1}`
	frames <- `{"event_type": "tick", "n": 2}`

	var got []string
	deadline := time.Now().Add(time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		batch, err := tr.FetchBatch(context.Background(), 10, 100*time.Millisecond)
		require.NoError(t, err)
		for _, d := range batch {
			assert.Nil(t, d.Ack, "socket deliveries carry no ack")
			assert.Equal(t, "feed", d.Topic)
			got = append(got, string(d.Payload))
		}
	}
	require.Len(t, got, 2)
	assert.Contains(t, got[0], `"n": 1`)
}

func TestFetchBatchReportsConnectionLoss(t *testing.T) {
	frames := make(chan string)
	srv := wsServer(t, frames)
	defer srv.Close()

	tr := New(wsConfig(srv.URL))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	close(frames) // server closes the connection

	var fetchErr error
	require.Eventually(t, func() bool {
		_, fetchErr = tr.FetchBatch(context.Background(), 10, 20*time.Millisecond)
		return fetchErr != nil
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, errors.ClassTransport, errors.Classify(fetchErr))
}

func TestBufferDropsOldestUnderPressure(t *testing.T) {
	frames := make(chan string, 16)
	srv := wsServer(t, frames)
	defer srv.Close()

	tr := New(wsConfig(srv.URL)) // capacity 4
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	for i := 0; i < 10; i++ {
		frames <- `{"n": 1}`
	}

	require.Eventually(t, func() bool {
		return tr.Stats().Dropped > 0
	}, time.Second, 10*time.Millisecond)

	batch, err := tr.FetchBatch(context.Background(), 100, 50*time.Millisecond)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(batch), 4)
}

func TestConnectRequiresURL(t *testing.T) {
	cfg := wsConfig("http://ignored")
	cfg.URL = ""
	tr := New(cfg)
	assert.Error(t, tr.Connect(context.Background()))
}

func TestFetchBeforeConnect(t *testing.T) {
	tr := New(wsConfig("http://never-dialed"))
	_, err := tr.FetchBatch(context.Background(), 1, 10*time.Millisecond)
	assert.Error(t, err)
}
