// Package sockettransport implements the socket transport over a websocket
// client connection. The protocol has no acknowledgement or redelivery, so
// incoming frames are staged in a bounded ring buffer that drops the oldest
// frame under pressure.
package sockettransport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/pkg/buffer"
	"github.com/churnguard/eventcore/stream"
)

const handshakeTimeout = 10 * time.Second

// Transport is a websocket reader for one stream config.
type Transport struct {
	cfg *event.StreamConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	staging *buffer.Ring[[]byte]
	readErr error
	done    chan struct{}
}

// New creates the transport. Frames beyond the configured buffer capacity
// evict the oldest staged frame.
func New(cfg *event.StreamConfig) *Transport {
	cfg = cfg.WithDefaults()
	return &Transport{
		cfg:     cfg,
		staging: buffer.NewRing[[]byte](cfg.BufferCapacity, nil),
	}
}

// Connect dials the websocket endpoint and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	if t.cfg.URL == "" {
		return errors.WrapValidation(errors.ErrInvalidConfig,
			"Transport", "Connect", "websocket url is required")
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return errors.WrapTransport(err, "Transport", "Connect", "dial websocket")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.conn = conn
	t.readErr = nil
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)
	return nil
}

// readLoop stages incoming frames until the connection breaks.
func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
		t.staging.Write(data)
	}
}

// FetchBatch drains staged frames, waiting up to wait for the first one. A
// broken connection surfaces as a transport error once the staging buffer is
// empty, so already received frames are not lost on reconnect.
func (t *Transport) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]stream.Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		if frames := t.staging.ReadBatch(max); len(frames) > 0 {
			out := make([]stream.Delivery, len(frames))
			for i, f := range frames {
				out[i] = stream.Delivery{Payload: f, Topic: t.topic()}
			}
			return out, nil
		}

		t.mu.Lock()
		readErr := t.readErr
		connected := t.conn != nil
		t.mu.Unlock()

		if readErr != nil {
			t.dropConn()
			return nil, errors.WrapTransport(errors.ErrConnectionLost,
				"Transport", "FetchBatch", "read websocket")
		}
		if !connected {
			return nil, errors.WrapTransport(errors.ErrNoConnection,
				"Transport", "FetchBatch", "fetch")
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

func (t *Transport) topic() string {
	if len(t.cfg.Topics) > 0 {
		return t.cfg.Topics[0]
	}
	return ""
}

// Close closes the connection and waits for the read loop to exit.
func (t *Transport) Close() error {
	t.dropConn()
	return nil
}

func (t *Transport) dropConn() {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	if done != nil {
		<-done
	}
}

// Stats exposes the staging buffer counters, including dropped frames.
func (t *Transport) Stats() buffer.Stats {
	return t.staging.Stats()
}
