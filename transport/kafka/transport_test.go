//go:build unit

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexolith/eventflow/codec"
	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/transport"
)

type orderPlaced struct {
	event.Base

	OrderID string `json:"order_id"`
}

func (orderPlaced) EventType() string { return "OrderPlaced" }

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	writeErr error
	closed   bool
}

func (writer *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.writeErr != nil {
		return writer.writeErr
	}

	writer.messages = append(writer.messages, msgs...)

	return nil
}

func (writer *fakeWriter) Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	writer.closed = true

	return nil
}

type fakeReader struct {
	mu        sync.Mutex
	incoming  chan kafkago.Message
	fetchErrs chan error
	committed []kafkago.Message
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		incoming:  make(chan kafkago.Message, 16),
		fetchErrs: make(chan error, 16),
	}
}

func (reader *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case err := <-reader.fetchErrs:
		return kafkago.Message{}, err
	default:
	}

	select {
	case msg, ok := <-reader.incoming:
		if !ok {
			return kafkago.Message{}, io.EOF
		}

		return msg, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (reader *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	reader.mu.Lock()
	defer reader.mu.Unlock()

	reader.committed = append(reader.committed, msgs...)

	return nil
}

func (reader *fakeReader) Close() error {
	reader.mu.Lock()
	defer reader.mu.Unlock()

	reader.closed = true

	return nil
}

func (reader *fakeReader) committedCount() int {
	reader.mu.Lock()
	defer reader.mu.Unlock()

	return len(reader.committed)
}

func newConnectedTransport(t *testing.T, writer *fakeWriter, reader *fakeReader, opts ...Option) *Transport {
	t.Helper()

	serializer := codec.NewSerializer("order-service")
	require.NoError(t, serializer.Register("OrderPlaced", codec.FactoryFor[orderPlaced]()))

	kt, err := New([]string{"localhost:9092"}, "billing", serializer, opts...)
	require.NoError(t, err)

	kt.newWriter = func() Writer { return writer }
	kt.newReader = func(string) Reader { return reader }

	require.NoError(t, kt.Connect(context.Background()))

	return kt
}

func newTestEvent(orderID string) orderPlaced {
	return orderPlaced{Base: event.NewBase(orderID, "Order"), OrderID: orderID}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "svc", codec.NewSerializer("svc"))
	require.ErrorIs(t, err, ErrBrokersRequired)

	_, err = New([]string{"localhost:9092"}, "svc", nil)
	require.ErrorIs(t, err, transport.ErrSerializerRequired)
}

func TestTransport_PublishNotConnected(t *testing.T) {
	t.Parallel()

	kt, err := New([]string{"localhost:9092"}, "svc", codec.NewSerializer("svc"))
	require.NoError(t, err)

	err = kt.Publish(context.Background(), newTestEvent("ord-1"), "orders", nil)
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestTransport_PublishKeysByAggregateID(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	kt := newConnectedTransport(t, writer, newFakeReader())

	evt := newTestEvent("ord-456")

	require.NoError(t, kt.Publish(context.Background(), evt, "orders", map[string]any{"x-custom": 7}))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, []byte("ord-456"), msg.Key)

	headers := map[string]string{}
	for _, header := range msg.Headers {
		headers[header.Key] = string(header.Value)
	}

	assert.Equal(t, "order-service", headers[transport.HeaderSource])
	assert.Equal(t, "7", headers["x-custom"])

	var envelope codec.Envelope

	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, evt.EventID().String(), envelope.MessageID)
	assert.Equal(t, "OrderPlaced", envelope.EventType)
}

func TestTransport_PublishFallsBackToEventIDKey(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	kt := newConnectedTransport(t, writer, newFakeReader())

	evt := orderPlaced{Base: event.NewBase("", ""), OrderID: "ord-9"}

	require.NoError(t, kt.Publish(context.Background(), evt, "", nil))

	require.Len(t, writer.messages, 1)
	assert.Equal(t, "events", writer.messages[0].Topic, "default topic applies when none is named")
	assert.Equal(t, []byte(evt.EventID().String()), writer.messages[0].Key)
}

func TestTransport_PublishBatchSingleWrite(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	kt := newConnectedTransport(t, writer, newFakeReader())

	evts := []event.Event{newTestEvent("A"), newTestEvent("A"), newTestEvent("B")}

	require.NoError(t, kt.PublishBatch(context.Background(), evts, "orders"))

	require.Len(t, writer.messages, 3)
	assert.Equal(t, []byte("A"), writer.messages[0].Key)
	assert.Equal(t, []byte("A"), writer.messages[1].Key)
	assert.Equal(t, []byte("B"), writer.messages[2].Key)
}

func TestTransport_PublishWriteFailure(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{writeErr: errors.New("broker down")}
	kt := newConnectedTransport(t, writer, newFakeReader())

	err := kt.Publish(context.Background(), newTestEvent("ord-1"), "orders", nil)
	require.ErrorContains(t, err, "broker down")
}

func TestTransport_StartFailsFast(t *testing.T) {
	t.Parallel()

	kt, err := New([]string{"localhost:9092"}, "svc", codec.NewSerializer("svc"))
	require.NoError(t, err)

	require.ErrorIs(t, kt.Start(context.Background()), transport.ErrNotConnected)

	kt = newConnectedTransport(t, &fakeWriter{}, newFakeReader())
	require.ErrorIs(t, kt.Start(context.Background()), transport.ErrNoSubscriptions)
}

func TestTransport_SubscribeValidation(t *testing.T) {
	t.Parallel()

	kt := newConnectedTransport(t, &fakeWriter{}, newFakeReader())

	require.ErrorIs(t, kt.Subscribe("", func(context.Context, event.Event, *codec.Envelope, transport.Metadata) error {
		return nil
	}), transport.ErrPatternRequired)
	require.ErrorIs(t, kt.Subscribe("orders", nil), transport.ErrHandlerRequired)
}

func TestTransport_ConsumeCommitsAfterHandler(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	reader := newFakeReader()
	kt := newConnectedTransport(t, writer, reader)

	received := make(chan transport.Metadata, 1)

	require.NoError(t, kt.Subscribe("orders", func(_ context.Context, evt event.Event, _ *codec.Envelope, meta transport.Metadata) error {
		assert.NotNil(t, evt)
		received <- meta

		return nil
	}))

	startDone := make(chan error, 1)

	go func() {
		startDone <- kt.Start(context.Background())
	}()

	evt := newTestEvent("ord-456")
	body, err := codec.NewSerializer("order-service").Serialize(evt)
	require.NoError(t, err)

	reader.incoming <- kafkago.Message{Topic: "orders", Partition: 2, Offset: 41, Value: body}

	select {
	case meta := <-received:
		assert.Equal(t, evt.EventID().String(), meta.MessageID)
		assert.Equal(t, "orders", meta.RoutingKey)
		assert.Equal(t, 2, meta.Partition)
		assert.Equal(t, int64(41), meta.Offset)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, kt.Stop(context.Background()))
	require.NoError(t, <-startDone)
	assert.True(t, reader.closed)
}

func TestTransport_HandlerFailureStillCommits(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	kt := newConnectedTransport(t, &fakeWriter{}, reader)

	invocations := make(chan struct{}, 3)

	require.NoError(t, kt.Subscribe("orders", func(context.Context, event.Event, *codec.Envelope, transport.Metadata) error {
		invocations <- struct{}{}

		return errors.New("handler failed")
	}))

	startDone := make(chan error, 1)

	go func() {
		startDone <- kt.Start(context.Background())
	}()

	serializer := codec.NewSerializer("order-service")
	body, err := serializer.Serialize(newTestEvent("ord-1"))
	require.NoError(t, err)

	// A failing handler, a malformed frame, then a good message: every
	// offset is committed and the loop keeps going.
	reader.incoming <- kafkago.Message{Topic: "orders", Offset: 1, Value: body}
	reader.incoming <- kafkago.Message{Topic: "orders", Offset: 2, Value: []byte("{not json")}
	reader.incoming <- kafkago.Message{Topic: "orders", Offset: 3, Value: body}

	require.Eventually(t, func() bool {
		return reader.committedCount() == 3
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, invocations, 2, "malformed frame is skipped without reaching the handler")

	require.NoError(t, kt.Stop(context.Background()))
	require.NoError(t, <-startDone)
}

func TestTransport_UnknownEventTypeReachesHandlerAsNil(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()

	kt, err := New([]string{"localhost:9092"}, "billing", codec.NewSerializer("billing"))
	require.NoError(t, err)

	kt.newWriter = func() Writer { return &fakeWriter{} }
	kt.newReader = func(string) Reader { return reader }
	require.NoError(t, kt.Connect(context.Background()))

	received := make(chan *codec.Envelope, 1)

	require.NoError(t, kt.Subscribe("orders", func(_ context.Context, evt event.Event, envelope *codec.Envelope, _ transport.Metadata) error {
		assert.Nil(t, evt)
		received <- envelope

		return nil
	}))

	startDone := make(chan error, 1)

	go func() {
		startDone <- kt.Start(context.Background())
	}()

	body, err := codec.NewSerializer("payments").Serialize(newTestEvent("p-1"))
	require.NoError(t, err)

	reader.incoming <- kafkago.Message{Topic: "orders", Value: body}

	select {
	case envelope := <-received:
		assert.Equal(t, "OrderPlaced", envelope.EventType)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked for unknown event type")
	}

	require.NoError(t, kt.Stop(context.Background()))
	require.NoError(t, <-startDone)
}

func TestTransport_ConsumeSurvivesFetchFailure(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	kt := newConnectedTransport(t, &fakeWriter{}, reader)
	kt.fetchBackoff = time.Millisecond

	received := make(chan struct{}, 1)

	require.NoError(t, kt.Subscribe("orders", func(context.Context, event.Event, *codec.Envelope, transport.Metadata) error {
		received <- struct{}{}

		return nil
	}))

	startDone := make(chan error, 1)

	go func() {
		startDone <- kt.Start(context.Background())
	}()

	body, err := codec.NewSerializer("order-service").Serialize(newTestEvent("ord-1"))
	require.NoError(t, err)

	// Two transient broker errors, then a deliverable message: the loop
	// must back off and keep fetching rather than die.
	reader.fetchErrs <- errors.New("broker unavailable")
	reader.fetchErrs <- errors.New("broker unavailable")
	reader.incoming <- kafkago.Message{Topic: "orders", Offset: 1, Value: body}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("consume loop did not recover from fetch failures")
	}

	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, kt.Stop(context.Background()))
	require.NoError(t, <-startDone)
}

func TestTransport_DeliveryOrderPerAggregate(t *testing.T) {
	t.Parallel()

	reader := newFakeReader()
	kt := newConnectedTransport(t, &fakeWriter{}, reader)

	order := make(chan string, 4)

	require.NoError(t, kt.Subscribe("orders", func(_ context.Context, evt event.Event, _ *codec.Envelope, _ transport.Metadata) error {
		placed, ok := evt.(orderPlaced)
		assert.True(t, ok)
		order <- placed.OrderID

		return nil
	}))

	startDone := make(chan error, 1)

	go func() {
		startDone <- kt.Start(context.Background())
	}()

	serializer := codec.NewSerializer("order-service")

	// E1 and E2 share aggregate A, so they share a partition; the reader
	// hands them over in publish order and the handler must observe the
	// same order.
	first := orderPlaced{Base: event.NewBase("A", "Order"), OrderID: "E1"}
	second := orderPlaced{Base: event.NewBase("A", "Order"), OrderID: "E2"}

	for offset, evt := range []orderPlaced{first, second} {
		body, err := serializer.Serialize(evt)
		require.NoError(t, err)

		reader.incoming <- kafkago.Message{
			Topic:     "orders",
			Partition: 0,
			Offset:    int64(offset),
			Key:       []byte(evt.AggregateID()),
			Value:     body,
		}
	}

	for _, want := range []string{"E1", "E2"} {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("did not receive %s in time", want)
		}
	}

	require.NoError(t, kt.Stop(context.Background()))
	require.NoError(t, <-startDone)
}

func TestTransport_StopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	kt := newConnectedTransport(t, &fakeWriter{}, newFakeReader())

	require.NoError(t, kt.Stop(context.Background()))

	require.NoError(t, kt.Disconnect())
	require.NoError(t, kt.Disconnect())
}
