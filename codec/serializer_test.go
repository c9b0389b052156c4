//go:build unit

package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nexolith/eventflow/event"
)

type orderPlaced struct {
	event.Base
	OrderID string  `json:"order_id"`
	Total   float64 `json:"total"`
}

func (orderPlaced) EventType() string { return "OrderPlaced" }

func newOrderPlaced(orderID string, total float64) orderPlaced {
	return orderPlaced{
		Base:    event.NewBase(orderID, "Order"),
		OrderID: orderID,
		Total:   total,
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("orders-service")

	require.ErrorIs(t, serializer.Register("", FactoryFor[orderPlaced]()), ErrEventTypeRequired)
	require.ErrorIs(t, serializer.Register("OrderPlaced", nil), ErrFactoryRequired)

	require.NoError(t, serializer.Register("OrderPlaced", FactoryFor[orderPlaced]()))
	require.ErrorIs(t, serializer.Register("OrderPlaced", FactoryFor[orderPlaced]()), ErrFactoryAlreadyRegistered)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("orders-service")
	require.NoError(t, serializer.Register("OrderPlaced", FactoryFor[orderPlaced]()))

	original := newOrderPlaced("ord-456", 49.99)

	data, err := serializer.Serialize(original, WithCorrelationID("corr-1"), WithCausationID("cause-1"))
	require.NoError(t, err)

	decoded, envelope, err := serializer.Deserialize(data)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	require.NotNil(t, decoded)

	require.Equal(t, original.EventID().String(), envelope.MessageID)
	require.Equal(t, "OrderPlaced", envelope.EventType)
	require.Equal(t, DefaultEventVersion, envelope.EventVersion)
	require.Equal(t, "orders-service", envelope.Source)
	require.Equal(t, "corr-1", envelope.CorrelationID)
	require.Equal(t, "cause-1", envelope.CausationID)

	typed, ok := decoded.(orderPlaced)
	require.True(t, ok)
	require.Equal(t, original.EventID(), typed.EventID())
	require.Equal(t, "ord-456", typed.AggregateID())
	require.Equal(t, "Order", typed.AggregateType())
	require.Equal(t, "ord-456", typed.OrderID)
	require.InDelta(t, 49.99, typed.Total, 0.0001)
}

func TestCorrelationIDFromMetadata(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("orders-service")

	evt := newOrderPlaced("ord-1", 10)
	evt.Base = evt.Base.WithMetadata(event.MetadataCorrelationID, "meta-corr")

	envelope, err := serializer.Envelope(evt)
	require.NoError(t, err)
	require.Equal(t, "meta-corr", envelope.CorrelationID)

	envelope, err = serializer.Envelope(evt, WithCorrelationID("explicit"))
	require.NoError(t, err)
	require.Equal(t, "explicit", envelope.CorrelationID)
}

func TestUnknownTypeSafety(t *testing.T) {
	t.Parallel()

	producer := NewSerializer("payments-service")
	consumer := NewSerializer("shipping-service")

	evt := newOrderPlaced("ord-9", 5)

	data, err := producer.Serialize(evt)
	require.NoError(t, err)

	decoded, envelope, err := consumer.Deserialize(data)
	require.NoError(t, err)
	require.Nil(t, decoded)
	require.NotNil(t, envelope)
	require.Equal(t, "OrderPlaced", envelope.EventType)
}

func TestDeserializeMalformedBytes(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("orders-service")

	decoded, envelope, err := serializer.Deserialize([]byte("not json {"))
	require.Nil(t, decoded)
	require.Nil(t, envelope)
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, []byte("not json {"), decodeErr.Raw)
}

func TestSerializeRawPayloadPassthrough(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("relay")

	raw := []byte(`{"order_id":"ord-456","total":49.99}`)
	rec := event.Reconstructed{
		ID:      uuid.New(),
		Type:    "OrderPlaced",
		Subject: "ord-456",
		Payload: raw,
	}

	data, err := serializer.Serialize(rec)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	require.JSONEq(t, string(raw), string(envelope.Payload))
	require.Equal(t, rec.ID.String(), envelope.MessageID)
}

func TestSerializeRejectsInvalidRawPayload(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("relay")

	rec := event.Reconstructed{ID: uuid.New(), Type: "OrderPlaced", Payload: []byte("{broken")}

	_, err := serializer.Serialize(rec)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedEnvelope))
}

func TestSerializeRequiresEventAndType(t *testing.T) {
	t.Parallel()

	serializer := NewSerializer("orders-service")

	_, err := serializer.Serialize(nil)
	require.ErrorIs(t, err, ErrEventRequired)

	rec := event.Reconstructed{ID: uuid.New(), Payload: []byte(`{}`)}
	_, err = serializer.Serialize(rec)
	require.ErrorIs(t, err, ErrEventTypeRequired)
}
