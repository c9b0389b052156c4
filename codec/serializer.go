// Package codec converts domain events to and from the versioned JSON
// envelope exchanged over broker transports.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexolith/eventflow/event"
)

// Factory reconstructs a typed event from a decoded envelope and its
// payload bytes. Factories are registered once per event type at startup
// and the registry is treated as read-only afterwards.
type Factory func(envelope *Envelope, payload []byte) (event.Event, error)

// SerializeOption adjusts envelope construction for one Serialize call.
type SerializeOption func(*serializeConfig)

type serializeConfig struct {
	correlationID string
	causationID   string
	version       int
}

// WithCorrelationID sets the envelope correlation id, overriding any
// correlation id carried in the event metadata.
func WithCorrelationID(correlationID string) SerializeOption {
	return func(cfg *serializeConfig) {
		cfg.correlationID = correlationID
	}
}

// WithCausationID sets the id of the event that caused this one.
func WithCausationID(causationID string) SerializeOption {
	return func(cfg *serializeConfig) {
		cfg.causationID = causationID
	}
}

// WithEventVersion overrides the schema version counter.
func WithEventVersion(version int) SerializeOption {
	return func(cfg *serializeConfig) {
		if version > 0 {
			cfg.version = version
		}
	}
}

// Serializer encodes events into envelopes and reconstructs registered
// event types from wire bytes.
type Serializer struct {
	source    string
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewSerializer creates a serializer stamping envelopes with the given
// producing-service name.
func NewSerializer(source string) *Serializer {
	return &Serializer{
		source:    strings.TrimSpace(source),
		factories: make(map[string]Factory),
	}
}

// Register associates an event type name with a reconstruction function.
// Unregistered types are not an error at serialize time but cannot be
// reconstructed at deserialize time.
func (serializer *Serializer) Register(eventType string, factory Factory) error {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if factory == nil {
		return ErrFactoryRequired
	}

	serializer.mu.Lock()
	defer serializer.mu.Unlock()

	if serializer.factories == nil {
		serializer.factories = make(map[string]Factory)
	}

	if _, exists := serializer.factories[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryAlreadyRegistered, normalizedType)
	}

	serializer.factories[normalizedType] = factory

	return nil
}

// Serialize builds an Envelope from the event and encodes it as UTF-8
// JSON. The envelope message id equals the event id; the payload is the
// event's serialized field data including subject and metadata.
func (serializer *Serializer) Serialize(evt event.Event, opts ...SerializeOption) ([]byte, error) {
	envelope, err := serializer.Envelope(evt, opts...)
	if err != nil {
		return nil, err
	}

	return envelope.Encode()
}

// Envelope builds the wire envelope for one event without encoding it.
func (serializer *Serializer) Envelope(evt event.Event, opts ...SerializeOption) (*Envelope, error) {
	if evt == nil {
		return nil, ErrEventRequired
	}

	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	cfg := serializeConfig{version: DefaultEventVersion}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.correlationID == "" {
		if meta := evt.Metadata(); meta != nil {
			cfg.correlationID = meta[event.MetadataCorrelationID]
		}
	}

	payload, err := eventPayload(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	return &Envelope{
		MessageID:     evt.EventID().String(),
		EventType:     eventType,
		EventVersion:  cfg.version,
		Source:        serializer.source,
		CorrelationID: cfg.correlationID,
		CausationID:   cfg.causationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}, nil
}

// Deserialize parses wire bytes into an envelope and, when the event
// type is registered, reconstructs the typed event. For unregistered
// types it returns (nil, envelope, nil): callers must treat the nil
// event as "unknown event, log and skip or dead-letter", never crash.
func (serializer *Serializer) Deserialize(data []byte) (event.Event, *Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, &DecodeError{Raw: data, Err: err}
	}

	serializer.mu.RLock()
	factory, registered := serializer.factories[envelope.EventType]
	serializer.mu.RUnlock()

	if !registered {
		return nil, &envelope, nil
	}

	evt, err := factory(&envelope, envelope.Payload)
	if err != nil {
		return nil, &envelope, fmt.Errorf("reconstruct %s: %w", envelope.EventType, err)
	}

	return evt, &envelope, nil
}

// FactoryFor returns a Factory decoding the payload into a fresh value
// of the concrete event type T.
func FactoryFor[T event.Event]() Factory {
	return func(_ *Envelope, payload []byte) (event.Event, error) {
		var evt T

		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}

		return evt, nil
	}
}

// eventPayload renders the payload object for one event. Events carrying
// pre-serialized bytes (relay reconstructions) are passed through
// untouched; everything else is marshalled from its struct form.
func eventPayload(evt event.Event) (json.RawMessage, error) {
	if carrier, ok := evt.(event.RawPayloadCarrier); ok {
		raw := carrier.RawPayload()
		if len(raw) > 0 {
			if !json.Valid(raw) {
				return nil, fmt.Errorf("%w: raw payload is not valid JSON", ErrMalformedEnvelope)
			}

			return json.RawMessage(raw), nil
		}
	}

	return json.Marshal(evt)
}
