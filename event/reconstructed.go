package event

import (
	"time"

	"github.com/google/uuid"
)

// Reconstructed is the minimal publishable event the relay rebuilds from
// a stored outbox row. It satisfies the same publish-time contract as a
// real event while carrying the original payload bytes untouched.
type Reconstructed struct {
	ID        uuid.UUID
	Type      string
	Subject   string
	SubjectTy string
	Meta      map[string]string
	At        time.Time
	Payload   []byte
}

var (
	_ Event             = Reconstructed{}
	_ RawPayloadCarrier = Reconstructed{}
)

// EventID returns the original event id.
func (rec Reconstructed) EventID() uuid.UUID { return rec.ID }

// EventType returns the stored event type discriminator.
func (rec Reconstructed) EventType() string { return rec.Type }

// AggregateID returns the stored aggregate id.
func (rec Reconstructed) AggregateID() string { return rec.Subject }

// AggregateType returns the stored aggregate type.
func (rec Reconstructed) AggregateType() string { return rec.SubjectTy }

// Metadata returns the reconstructed metadata map. May be nil.
func (rec Reconstructed) Metadata() map[string]string { return rec.Meta }

// OccurredAt returns the stored creation time.
func (rec Reconstructed) OccurredAt() time.Time { return rec.At }

// RawPayload returns the payload bytes exactly as persisted.
func (rec Reconstructed) RawPayload() []byte { return rec.Payload }
