// Package event defines the domain-event contract shared by producers,
// the outbox bridge, and broker transports.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact raised by an aggregate. The event id is
// assigned once at creation and never changes; it is the deduplication
// key for every downstream consumer.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	AggregateID() string
	AggregateType() string
	Metadata() map[string]string
	OccurredAt() time.Time
}

// Source exposes buffered pending events for collection. Aggregates
// typically satisfy it by embedding a Recorder.
type Source interface {
	DrainEvents() []Event
}

// RawPayloadCarrier is implemented by events whose wire payload already
// exists as serialized bytes and must not be re-marshalled.
type RawPayloadCarrier interface {
	RawPayload() []byte
}

// MetadataCorrelationID is the metadata key carrying the correlation id.
const MetadataCorrelationID = "correlation_id"

// Base provides the identity fields shared by all events. Concrete event
// types embed it and add their own payload fields plus EventType.
type Base struct {
	ID        uuid.UUID         `json:"event_id"`
	Subject   string            `json:"aggregate_id,omitempty"`
	SubjectTy string            `json:"aggregate_type,omitempty"`
	Meta      map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"occurred_at"`
}

// NewBase creates the base of a fresh event with a generated id.
func NewBase(aggregateID, aggregateType string) Base {
	return Base{
		ID:        uuid.New(),
		Subject:   aggregateID,
		SubjectTy: aggregateType,
		At:        time.Now().UTC(),
	}
}

// EventID returns the immutable event identity.
func (base Base) EventID() uuid.UUID { return base.ID }

// AggregateID returns the subject aggregate id, if any.
func (base Base) AggregateID() string { return base.Subject }

// AggregateType returns the subject aggregate type, if any.
func (base Base) AggregateType() string { return base.SubjectTy }

// Metadata returns the open metadata map. May be nil.
func (base Base) Metadata() map[string]string { return base.Meta }

// OccurredAt returns the event creation time.
func (base Base) OccurredAt() time.Time { return base.At }

// WithMetadata returns a copy of the base with one metadata entry set.
func (base Base) WithMetadata(key, value string) Base {
	meta := make(map[string]string, len(base.Meta)+1)
	for k, v := range base.Meta {
		meta[k] = v
	}

	meta[key] = value
	base.Meta = meta

	return base
}

// CorrelationID returns the correlation id carried in metadata, if set.
func (base Base) CorrelationID() string {
	if base.Meta == nil {
		return ""
	}

	return base.Meta[MetadataCorrelationID]
}
