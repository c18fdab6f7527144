// Package stream pulls continuous feeds from external transports into the
// shared processing queue. A consumer owns one stream: it connects, fetches
// batches, and acknowledges each item only after the queue has admitted it,
// so unacknowledged items are redelivered rather than lost.
package stream

import (
	"context"
	"time"
)

// Delivery is one item fetched from a transport.
type Delivery struct {
	Payload   []byte
	Topic     string
	Partition int
	Offset    int64

	// Ack confirms the item once it is safely queued. Nil on transports
	// without acknowledgement semantics.
	Ack func() error
}

// Transport abstracts one stream source. Implementations are used by a
// single consumer and need not be safe for concurrent FetchBatch calls
// unless the stream's concurrency is above one.
type Transport interface {
	// Connect establishes the connection and any consumer-group state.
	Connect(ctx context.Context) error

	// FetchBatch returns up to max deliveries, waiting at most wait for
	// the first one. An empty batch with a nil error is a normal idle
	// poll.
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
