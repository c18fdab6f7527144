// Package eventcore implements a customer event ingestion pipeline: webhook
// and streaming intake, normalization, and at-least-once delivery to a
// downstream analytics sink.
//
// # Architecture
//
// Events enter through two front doors and meet in one bounded queue:
//
//	┌──────────────────────┐   ┌──────────────────────────────┐
//	│   Ingestion Gateway  │   │       Stream Manager         │
//	│  POST /webhooks/...  │   │  NATS JetStream / Redis      │
//	│  rate limit, size,   │   │  Streams / WebSocket feeds,  │
//	│  signature, dedup    │   │  ack after queue admission   │
//	└──────────┬───────────┘   └──────────────┬───────────────┘
//	           ↓ enqueue                      ↓ enqueue
//	┌─────────────────────────────────────────────────────────┐
//	│                  Bounded Event Queue                    │
//	└──────────────────────────┬──────────────────────────────┘
//	                           ↓ dequeue
//	┌─────────────────────────────────────────────────────────┐
//	│   Worker Pool: normalize → filter → deliver to sink     │
//	│   exponential backoff retry, then dead letter store     │
//	└─────────────────────────────────────────────────────────┘
//
// A health monitor scans components on an interval and restarts failed
// stream consumers. Prometheus metrics and trailing one-minute and one-hour
// throughput windows are exposed on the gateway.
//
// # Delivery semantics
//
// The pipeline is at-least-once. Webhook senders get a 200 only after their
// event is admitted to the queue; stream transports are acked only after
// admission, so unacked messages are redelivered by the broker. Duplicates
// are absorbed at the edge by a content-hash detector, and events that
// exhaust their retries land in the dead letter store with their full error
// history.
//
// # Packages
//
//   - gateway: HTTP ingress, admin CRUD, health and metrics surfaces
//   - stream: consumer state machine and the three transport adapters
//   - queue, worker: bounded admission and the retrying delivery pool
//   - transform: provider payload normalization and event filtering
//   - ratelimit, dedup, signature: edge checks
//   - deadletter, health, metric: failure capture and observability
//   - engine: composition root with ordered startup and shutdown
package eventcore
