package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nexolith/eventflow/backoff"
	"github.com/nexolith/eventflow/codec"
	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/transport"
)

const (
	defaultTopic        = "events"
	defaultMinBytes     = 1
	defaultMaxBytes     = 10e6
	defaultMaxWait      = 500 * time.Millisecond
	defaultBatchSize    = 100
	defaultFetchBackoff = time.Second
)

// Writer is the subset of kafka-go writer operations the transport uses.
// Tests substitute a fake implementation.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader is the subset of kafka-go reader operations the transport uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type subscription struct {
	topic   string
	handler transport.Handler
}

type Option func(*Transport)

func WithLogger(logger log.Logger) Option {
	return func(kt *Transport) {
		if nilcheck.Interface(logger) {
			return
		}

		kt.logger = logger
	}
}

// WithDefaultTopic overrides the topic used when a publish does not name
// one.
func WithDefaultTopic(topic string) Option {
	return func(kt *Transport) {
		if strings.TrimSpace(topic) != "" {
			kt.defaultTopic = strings.TrimSpace(topic)
		}
	}
}

// WithGroupID overrides the consumer group id, which defaults to the
// service name.
func WithGroupID(groupID string) Option {
	return func(kt *Transport) {
		if strings.TrimSpace(groupID) != "" {
			kt.groupID = strings.TrimSpace(groupID)
		}
	}
}

// Transport is the partitioned-log broker implementation over Kafka.
//
// Messages are keyed by aggregate id, so all events for one aggregate
// land on the same partition and are delivered to one consumer-group
// member in publish order. No ordering holds across aggregates. Offsets
// are committed after the handler returns, success or failure: a failing
// handler is logged and its offset committed anyway, so one poison
// message never blocks the partition. Delivery is at-least-once;
// consumers deduplicate on event id.
type Transport struct {
	brokers      []string
	service      string
	groupID      string
	defaultTopic string
	serializer   *codec.Serializer
	logger       log.Logger
	fetchBackoff time.Duration

	newWriter func() Writer
	newReader func(topic string) Reader

	mu            sync.Mutex
	writer        Writer
	connected     bool
	started       bool
	stopCh        chan struct{}
	subscriptions []subscription
	readers       []Reader
	consumerWg    sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a partitioned-log transport for one service. The service
// name doubles as the consumer group id unless WithGroupID overrides it.
func New(brokers []string, service string, serializer *codec.Serializer, opts ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if serializer == nil {
		return nil, transport.ErrSerializerRequired
	}

	kt := &Transport{
		brokers:      brokers,
		service:      strings.TrimSpace(service),
		groupID:      strings.TrimSpace(service),
		defaultTopic: defaultTopic,
		serializer:   serializer,
		logger:       log.NewNop(),
		fetchBackoff: defaultFetchBackoff,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(kt)
		}
	}

	if kt.newWriter == nil {
		kt.newWriter = func() Writer {
			return &kafkago.Writer{
				Addr:         kafkago.TCP(kt.brokers...),
				Balancer:     &kafkago.Hash{},
				RequiredAcks: kafkago.RequireAll,
				BatchSize:    defaultBatchSize,
			}
		}
	}

	if kt.newReader == nil {
		kt.newReader = func(topic string) Reader {
			return kafkago.NewReader(kafkago.ReaderConfig{
				Brokers:  kt.brokers,
				GroupID:  kt.groupID,
				Topic:    topic,
				MinBytes: defaultMinBytes,
				MaxBytes: defaultMaxBytes,
				MaxWait:  defaultMaxWait,
			})
		}
	}

	return kt, nil
}

// Connect opens the shared writer. Readers are opened per subscription
// when Start runs.
func (kt *Transport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()

	if kt.connected {
		return nil
	}

	kt.writer = kt.newWriter()
	kt.connected = true

	kt.logger.Log(ctx, log.LevelInfo, "connected to kafka",
		log.String("brokers", strings.Join(kt.brokers, ",")),
		log.String("group_id", kt.groupID),
	)

	return nil
}

// Disconnect closes the writer. Idempotent. Consumer readers are closed
// when their loops exit.
func (kt *Transport) Disconnect() error {
	kt.mu.Lock()
	defer kt.mu.Unlock()

	if !kt.connected {
		return nil
	}

	var err error
	if kt.writer != nil {
		err = kt.writer.Close()
		kt.writer = nil
	}

	kt.connected = false

	return err
}

// Publish serializes the event and writes it to the topic, keyed by the
// event's aggregate id. An empty topic falls back to the configured
// default; an event without an aggregate id is keyed by its event id so
// it still hashes to a stable partition.
func (kt *Transport) Publish(ctx context.Context, evt event.Event, topic string, headers map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(evt) {
		return transport.ErrEventRequired
	}

	kt.mu.Lock()
	connected := kt.connected
	writer := kt.writer
	kt.mu.Unlock()

	if !connected || writer == nil {
		return transport.ErrNotConnected
	}

	msg, err := kt.buildMessage(evt, topic, headers)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to topic %q: %w", msg.Topic, err)
	}

	return nil
}

// PublishBatch writes the events in one writer call, preserving their
// relative order for messages sharing a partition key.
func (kt *Transport) PublishBatch(ctx context.Context, evts []event.Event, topic string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(evts) == 0 {
		return nil
	}

	kt.mu.Lock()
	connected := kt.connected
	writer := kt.writer
	kt.mu.Unlock()

	if !connected || writer == nil {
		return transport.ErrNotConnected
	}

	msgs := make([]kafkago.Message, 0, len(evts))

	for _, evt := range evts {
		if nilcheck.Interface(evt) {
			return transport.ErrEventRequired
		}

		msg, err := kt.buildMessage(evt, topic, nil)
		if err != nil {
			return err
		}

		msgs = append(msgs, msg)
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write batch to topic %q: %w", msgs[0].Topic, err)
	}

	return nil
}

func (kt *Transport) buildMessage(evt event.Event, topic string, headers map[string]any) (kafkago.Message, error) {
	envelope, err := kt.serializer.Envelope(evt)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("build envelope: %w", err)
	}

	body, err := envelope.Encode()
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode envelope: %w", err)
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = kt.defaultTopic
	}

	if topic == "" {
		return kafkago.Message{}, ErrTopicRequired
	}

	key := evt.AggregateID()
	if key == "" {
		key = envelope.MessageID
	}

	kafkaHeaders := []kafkago.Header{
		{Key: transport.HeaderSource, Value: []byte(envelope.Source)},
		{Key: transport.HeaderCorrelationID, Value: []byte(envelope.CorrelationID)},
	}

	for name, value := range headers {
		kafkaHeaders = append(kafkaHeaders, kafkago.Header{Key: name, Value: []byte(fmt.Sprint(value))})
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   body,
		Time:    envelope.Timestamp,
		Headers: kafkaHeaders,
	}, nil
}

// Subscribe registers a handler for one topic. Kafka has no routing-key
// wildcards, so the pattern is a literal topic name. Must be called
// before Start.
func (kt *Transport) Subscribe(topic string, handler transport.Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return transport.ErrPatternRequired
	}

	if handler == nil {
		return transport.ErrHandlerRequired
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()

	if kt.started {
		return transport.ErrStartedCannotChange
	}

	kt.subscriptions = append(kt.subscriptions, subscription{topic: topic, handler: handler})

	return nil
}

// Start opens one group reader per subscription and blocks consuming
// until Stop is called or ctx is cancelled. It fails fast when Connect
// has not run.
func (kt *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	kt.mu.Lock()

	if !kt.connected {
		kt.mu.Unlock()

		return transport.ErrNotConnected
	}

	if kt.started {
		kt.mu.Unlock()

		return transport.ErrAlreadyStarted
	}

	if len(kt.subscriptions) == 0 {
		kt.mu.Unlock()

		return transport.ErrNoSubscriptions
	}

	stopCh := make(chan struct{})
	kt.stopCh = stopCh
	kt.started = true
	subscriptions := append([]subscription(nil), kt.subscriptions...)

	kt.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		kt.mu.Lock()
		kt.started = false
		kt.stopCh = nil

		for _, reader := range kt.readers {
			_ = reader.Close()
		}

		kt.readers = nil
		kt.mu.Unlock()
	}()

	for _, sub := range subscriptions {
		reader := kt.newReader(sub.topic)

		kt.mu.Lock()
		kt.readers = append(kt.readers, reader)
		kt.mu.Unlock()

		kt.consumerWg.Add(1)

		go kt.consumeLoop(loopCtx, sub, reader)
	}

	select {
	case <-stopCh:
	case <-ctx.Done():
	}

	cancel()
	kt.consumerWg.Wait()

	return nil
}

// Stop signals the consume loops to exit. In-flight handlers finish
// their current message and commit their offset before the loops unwind.
func (kt *Transport) Stop(ctx context.Context) error {
	kt.mu.Lock()
	stopCh := kt.stopCh
	kt.mu.Unlock()

	if stopCh == nil {
		return nil
	}

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	if ctx != nil {
		done := make(chan struct{})

		go func() {
			kt.consumerWg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("stop consumers: %w", ctx.Err())
		}
	}

	return nil
}

func (kt *Transport) consumeLoop(ctx context.Context, sub subscription, reader Reader) {
	defer kt.consumerWg.Done()

	var fetchFailures int

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				// Reader was closed underneath the loop.
				return
			}

			fetchFailures++

			kt.logger.Log(ctx, log.LevelError, "failed to fetch message, backing off",
				log.String("topic", sub.topic),
				log.Int("consecutive_failures", fetchFailures),
				log.Err(err),
			)

			delay := backoff.ExponentialWithJitter(kt.fetchBackoff, fetchFailures-1)
			if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
				return
			}

			continue
		}

		fetchFailures = 0

		kt.handleMessage(ctx, sub, reader, msg)
	}
}

// handleMessage always commits the offset: decode failures and handler
// errors are logged and the partition moves on. Routing poison messages
// to a dead-letter topic is the handler's responsibility.
func (kt *Transport) handleMessage(ctx context.Context, sub subscription, reader Reader, msg kafkago.Message) {
	evt, envelope, err := kt.serializer.Deserialize(msg.Value)
	if err != nil {
		kt.logger.Log(ctx, log.LevelError, "failed to decode message, skipping",
			log.String("topic", msg.Topic),
			log.Int("partition", msg.Partition),
			log.Any("offset", msg.Offset),
			log.Err(err),
		)

		kt.commit(ctx, reader, msg)

		return
	}

	if nilcheck.Interface(evt) {
		kt.logger.Log(ctx, log.LevelWarn, "no factory registered for event type",
			log.String("event_type", envelope.EventType),
			log.String("message_id", envelope.MessageID),
		)
	}

	meta := transport.Metadata{
		MessageID:     envelope.MessageID,
		Source:        envelope.Source,
		CorrelationID: envelope.CorrelationID,
		Timestamp:     envelope.Timestamp,
		RoutingKey:    msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
	}

	if err := kt.invokeHandler(ctx, sub.handler, evt, envelope, meta); err != nil {
		kt.logger.Log(ctx, log.LevelError, "handler failed, committing offset anyway",
			log.String("message_id", envelope.MessageID),
			log.String("topic", msg.Topic),
			log.Int("partition", msg.Partition),
			log.Any("offset", msg.Offset),
			log.Err(err),
		)
	}

	kt.commit(ctx, reader, msg)
}

func (kt *Transport) commit(ctx context.Context, reader Reader, msg kafkago.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		kt.logger.Log(ctx, log.LevelError, "failed to commit offset",
			log.String("topic", msg.Topic),
			log.Int("partition", msg.Partition),
			log.Any("offset", msg.Offset),
			log.Err(err),
		)
	}
}

func (kt *Transport) invokeHandler(
	ctx context.Context,
	handler transport.Handler,
	evt event.Event,
	envelope *codec.Envelope,
	meta transport.Metadata,
) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	return handler(ctx, evt, envelope, meta)
}
