// Package redistransport implements the cache stream transport on Redis
// Streams. A consumer group per stream config gives explicit XACK semantics;
// unacked entries return via the group's pending list on restart.
package redistransport

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/stream"
)

// DefaultURL is used when the stream config leaves the URL empty.
const DefaultURL = "redis://localhost:6379"

// payloadField is the stream entry field carrying the event body. Entries
// without it are serialized whole.
const payloadField = "payload"

// Transport reads one or more Redis streams through a consumer group.
type Transport struct {
	cfg      *event.StreamConfig
	consumer string

	mu     sync.Mutex
	client *redis.Client
}

// New creates the transport with a unique per-process consumer name.
func New(cfg *event.StreamConfig) *Transport {
	return &Transport{
		cfg:      cfg,
		consumer: cfg.StreamID + "-" + uuid.NewString()[:8],
	}
}

func (t *Transport) group() string {
	if t.cfg.ConsumerGroup != "" {
		return t.cfg.ConsumerGroup
	}
	return t.cfg.StreamID + "-workers"
}

// Connect dials Redis and ensures the consumer group exists on every topic.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if err := t.client.Ping(ctx).Err(); err == nil {
			return nil
		}
		_ = t.client.Close()
		t.client = nil
	}

	url := t.cfg.URL
	if url == "" {
		url = DefaultURL
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return errors.WrapValidation(err, "Transport", "Connect", "parse redis url")
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.WrapTransport(err, "Transport", "Connect", "ping redis")
	}

	for _, topic := range t.cfg.Topics {
		err := client.XGroupCreateMkStream(ctx, topic, t.group(), "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return errors.WrapTransport(err, "Transport", "Connect", "create consumer group")
		}
	}

	t.client = client
	return nil
}

// FetchBatch reads up to max entries across the configured topics, blocking
// at most wait.
func (t *Transport) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]stream.Delivery, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, errors.WrapTransport(errors.ErrNoConnection, "Transport", "FetchBatch", "fetch")
	}

	streams := make([]string, 0, len(t.cfg.Topics)*2)
	streams = append(streams, t.cfg.Topics...)
	for range t.cfg.Topics {
		streams = append(streams, ">")
	}

	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.group(),
		Consumer: t.consumer,
		Streams:  streams,
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return nil, nil
		}
		return nil, errors.WrapTransport(err, "Transport", "FetchBatch", "xreadgroup")
	}

	var out []stream.Delivery
	for _, s := range res {
		topic := s.Stream
		for _, msg := range s.Messages {
			id := msg.ID
			out = append(out, stream.Delivery{
				Payload: entryPayload(msg.Values),
				Topic:   topic,
				Offset:  entryOffset(id),
				Ack: func() error {
					return client.XAck(context.Background(), topic, t.group(), id).Err()
				},
			})
		}
	}
	return out, nil
}

// Close closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// entryPayload extracts the body from a stream entry. The payload field is
// used verbatim when present; otherwise the whole value map is serialized so
// no entry shape is unreadable.
func entryPayload(values map[string]any) []byte {
	if raw, ok := values[payloadField]; ok {
		if s, ok := raw.(string); ok {
			return []byte(s)
		}
	}
	body, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return body
}

// entryOffset parses the millisecond half of a Redis stream entry id.
func entryOffset(id string) int64 {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
