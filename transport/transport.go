// Package transport defines the broker-facing contract shared by the
// topic-routed and partitioned-log implementations.
package transport

import (
	"context"
	"time"

	"github.com/nexolith/eventflow/codec"
	"github.com/nexolith/eventflow/event"
)

// Header keys attached to every published message.
const (
	HeaderSource        = "x-source"
	HeaderCorrelationID = "x-correlation-id"
)

// Metadata describes one delivered message to its handler. RoutingKey is
// set by topic-routed brokers; Partition and Offset by partitioned logs.
type Metadata struct {
	MessageID     string
	Source        string
	CorrelationID string
	Timestamp     time.Time
	RoutingKey    string
	Partition     int
	Offset        int64
}

// Handler consumes one delivered message. evt is nil when no factory is
// registered for the envelope's event type; handlers decide whether to
// skip or route such messages elsewhere, they must not fail the loop for
// them. A returned error marks the delivery as failed, with
// transport-specific consequences (dead-letter or logged skip).
type Handler func(ctx context.Context, evt event.Event, envelope *codec.Envelope, meta Metadata) error

// Publisher is the producer half of a transport.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event, routingKey string, headers map[string]any) error
	PublishBatch(ctx context.Context, evts []event.Event, routingKey string) error
}

// Subscriber is the consumer half of a transport. Subscriptions must be
// registered before Start; Start blocks dispatching deliveries to
// handlers until Stop, and lets the in-flight handler finish before
// returning.
type Subscriber interface {
	Subscribe(routingKeyPattern string, handler Handler) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Transport combines both halves with an explicit connection lifecycle.
// Disconnect is idempotent.
type Transport interface {
	Publisher
	Subscriber

	Connect(ctx context.Context) error
	Disconnect() error
}
