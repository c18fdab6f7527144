// Package natstransport implements the broker queue transport on NATS
// JetStream. Each stream config maps to one durable pull consumer; explicit
// acks give redelivery for items the pipeline could not admit.
package natstransport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/stream"
)

// DefaultURL is used when the stream config leaves the URL empty.
const DefaultURL = nats.DefaultURL

const ackWait = 30 * time.Second

// Transport is a JetStream pull consumer bound to one stream config.
type Transport struct {
	cfg *event.StreamConfig

	mu       sync.Mutex
	conn     *nats.Conn
	consumer jetstream.Consumer
}

// New creates the transport. The connection is established by Connect.
func New(cfg *event.StreamConfig) *Transport {
	return &Transport{cfg: cfg}
}

// streamName derives the JetStream stream name from the stream id.
func (t *Transport) streamName() string {
	return strings.ToUpper(strings.ReplaceAll(t.cfg.StreamID, "-", "_"))
}

// durableName returns the consumer group, defaulting to <stream_id>-workers.
func (t *Transport) durableName() string {
	if t.cfg.ConsumerGroup != "" {
		return t.cfg.ConsumerGroup
	}
	return t.cfg.StreamID + "-workers"
}

// Connect dials the server and ensures the stream and durable consumer exist.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}
	t.closeLocked()

	url := t.cfg.URL
	if url == "" {
		url = DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name("eventcore-"+t.cfg.StreamID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return errors.WrapTransport(err, "Transport", "Connect", "dial nats")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransport(err, "Transport", "Connect", "jetstream context")
	}

	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.streamName(),
		Subjects:  t.cfg.Topics,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransport(err, "Transport", "Connect", "ensure stream")
	}

	consumer, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           t.durableName(),
		Durable:        t.durableName(),
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        ackWait,
		FilterSubjects: t.cfg.Topics,
	})
	if err != nil {
		conn.Close()
		return errors.WrapTransport(err, "Transport", "Connect", "ensure consumer")
	}

	t.conn = conn
	t.consumer = consumer
	return nil
}

// FetchBatch pulls up to max messages, waiting at most wait.
func (t *Transport) FetchBatch(_ context.Context, max int, wait time.Duration) ([]stream.Delivery, error) {
	t.mu.Lock()
	consumer := t.consumer
	conn := t.conn
	t.mu.Unlock()

	if consumer == nil || conn == nil || conn.IsClosed() {
		return nil, errors.WrapTransport(errors.ErrNoConnection, "Transport", "FetchBatch", "fetch")
	}

	batch, err := consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, errors.WrapTransport(err, "Transport", "FetchBatch", "pull batch")
	}

	var out []stream.Delivery
	for msg := range batch.Messages() {
		msg := msg
		d := stream.Delivery{
			Payload: msg.Data(),
			Topic:   msg.Subject(),
			Ack:     msg.Ack,
		}
		if meta, err := msg.Metadata(); err == nil {
			d.Offset = int64(meta.Sequence.Stream)
		}
		out = append(out, d)
	}
	if err := batch.Error(); err != nil {
		return out, errors.WrapTransport(err, "Transport", "FetchBatch", "drain batch")
	}
	return out, nil
}

// Close drains and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.consumer = nil
	}
}
