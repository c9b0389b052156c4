package codec

import (
	"encoding/json"
	"time"
)

// DefaultEventVersion is the schema evolution counter value for events
// that have never been migrated.
const DefaultEventVersion = 1

// Envelope is the versioned wire wrapper around an event payload. It is
// never mutated after construction.
//
// The JSON keys form the compatibility contract between producer and
// consumer services and must remain additive-only across versions: new
// optional fields may be added, required fields are never removed or
// renamed without bumping event_version.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode renders the envelope as UTF-8 JSON bytes. Consumers must not
// rely on byte-for-byte stability, only on the declared schema.
func (envelope *Envelope) Encode() ([]byte, error) {
	return json.Marshal(envelope)
}
