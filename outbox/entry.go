package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload persisted per entry.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is one durable outbox row. It is created in the same transaction
// as the business mutation its event describes, then owned exclusively by
// the store; the relay is the only mutator after creation.
type Entry struct {
	ID            int64
	EventID       uuid.UUID
	EventType     string
	AggregateID   string
	AggregateType string
	RoutingKey    string
	Payload       []byte
	Source        string
	CorrelationID string
	CreatedAt     time.Time
	Published     bool
	PublishedAt   *time.Time
	RetryCount    int
	LastError     string
}

// NewEntry creates a valid pending entry for one event. Exactly one entry
// exists per event; the event id is the unique deduplication key.
func NewEntry(eventID uuid.UUID, eventType, routingKey string, payload []byte) (*Entry, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return nil, ErrRoutingKeyRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	return &Entry{
		EventID:    eventID,
		EventType:  eventType,
		RoutingKey: routingKey,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Exhausted reports whether the entry has failed maxRetries times and is
// therefore permanently excluded from the pending set until an operator
// resets it.
func (entry *Entry) Exhausted(maxRetries int) bool {
	if entry == nil || maxRetries <= 0 {
		return false
	}

	return !entry.Published && entry.RetryCount >= maxRetries
}
