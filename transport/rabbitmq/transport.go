package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nexolith/eventflow/codec"
	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/transport"
)

const (
	defaultExchange       = "events"
	defaultConfirmTimeout = 5 * time.Second
	defaultPrefetch       = 16

	// confirmChannelBuffer should cover the max unconfirmed messages to
	// avoid blocking the broker's confirm notifications.
	confirmChannelBuffer = 256

	dlqRoutingPrefix = "dlq."
	dlqQueueSuffix   = ".dlq"
)

// Channel is the subset of amqp091 channel operations the transport
// uses. Tests substitute a fake implementation.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type subscription struct {
	pattern string
	handler transport.Handler
}

type Option func(*Transport)

func WithLogger(logger log.Logger) Option {
	return func(rt *Transport) {
		if nilcheck.Interface(logger) {
			return
		}

		rt.logger = logger
	}
}

// WithExchange overrides the topic exchange name. The paired dead-letter
// exchange is always named "<exchange>.dlx".
func WithExchange(exchange string) Option {
	return func(rt *Transport) {
		if strings.TrimSpace(exchange) != "" {
			rt.exchange = strings.TrimSpace(exchange)
		}
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	return func(rt *Transport) {
		if timeout > 0 {
			rt.confirmTimeout = timeout
		}
	}
}

// WithPrefetch bounds unacked deliveries per consumer channel.
func WithPrefetch(prefetch int) Option {
	return func(rt *Transport) {
		if prefetch > 0 {
			rt.prefetch = prefetch
		}
	}
}

// Transport is the topic-routed broker implementation over AMQP 0.9.1.
//
// Messages are published to one durable topic exchange with a routing
// key; each subscription declares a durable queue named
// "<service>.<pattern>" bound to that pattern, paired with a
// "<queue>.dlq" queue on the dead-letter exchange. Handler failures nack
// without requeue, which dead-letters the message under
// "dlq.<routingKey>". Delivery is at-least-once with no ordering
// guarantee; consumers deduplicate on event id.
type Transport struct {
	url            string
	service        string
	exchange       string
	serializer     *codec.Serializer
	logger         log.Logger
	confirmTimeout time.Duration
	prefetch       int

	dialFn      func(url string) (*amqp.Connection, error)
	openChannel func() (Channel, error)

	mu            sync.Mutex
	conn          *amqp.Connection
	pubCh         Channel
	confirms      chan amqp.Confirmation
	connected     bool
	started       bool
	stopCh        chan struct{}
	subscriptions []subscription
	consumerChs   []Channel
	consumerWg    sync.WaitGroup

	// publishMu serializes publishes so each broker confirmation can be
	// matched to the publish that is waiting for it.
	publishMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

// New creates a topic-routed transport for one service. The service name
// prefixes every queue the transport declares.
func New(url, service string, serializer *codec.Serializer, opts ...Option) (*Transport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrURLRequired
	}

	if serializer == nil {
		return nil, transport.ErrSerializerRequired
	}

	rt := &Transport{
		url:            url,
		service:        strings.TrimSpace(service),
		exchange:       defaultExchange,
		serializer:     serializer,
		logger:         log.NewNop(),
		confirmTimeout: defaultConfirmTimeout,
		prefetch:       defaultPrefetch,
		dialFn:         amqp.Dial,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	return rt, nil
}

func (rt *Transport) dlxExchange() string {
	return rt.exchange + ".dlx"
}

// Connect dials the broker, opens the publish channel in confirm mode,
// and declares the topic and dead-letter exchanges.
func (rt *Transport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.connected {
		return nil
	}

	if rt.openChannel == nil {
		conn, err := rt.dialFn(rt.url)
		if err != nil {
			return fmt.Errorf("dial rabbitmq: %w", err)
		}

		rt.conn = conn
		rt.openChannel = func() (Channel, error) { return conn.Channel() }
	}

	ch, err := rt.openChannel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}

	if err := rt.declareExchanges(ch); err != nil {
		_ = ch.Close()

		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return fmt.Errorf("enable confirm mode: %w", err)
	}

	rt.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	rt.pubCh = ch
	rt.connected = true

	rt.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq",
		log.String("exchange", rt.exchange),
		log.String("service", rt.service),
	)

	return nil
}

// Disconnect closes the publish channel and the connection. Idempotent.
func (rt *Transport) Disconnect() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.connected {
		return nil
	}

	if rt.pubCh != nil {
		_ = rt.pubCh.Close()
		rt.pubCh = nil
	}

	if rt.conn != nil {
		_ = rt.conn.Close()
		rt.conn = nil
	}

	rt.openChannel = nil
	rt.connected = false

	return nil
}

func (rt *Transport) declareExchanges(ch Channel) error {
	if err := ch.ExchangeDeclare(rt.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", rt.exchange, err)
	}

	if err := ch.ExchangeDeclare(rt.dlxExchange(), "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %q: %w", rt.dlxExchange(), err)
	}

	return nil
}

// Publish serializes the event and publishes it with the given routing
// key, waiting for the broker's confirmation. An empty routing key falls
// back to the derivation from the event type name.
func (rt *Transport) Publish(ctx context.Context, evt event.Event, routingKey string, headers map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(evt) {
		return transport.ErrEventRequired
	}

	rt.mu.Lock()
	connected := rt.connected
	ch := rt.pubCh
	confirms := rt.confirms
	rt.mu.Unlock()

	if !connected || ch == nil {
		return transport.ErrNotConnected
	}

	envelope, err := rt.serializer.Envelope(evt)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}

	body, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if strings.TrimSpace(routingKey) == "" {
		routingKey = event.RoutingKeyFor(evt.EventType())
	}

	amqpHeaders := amqp.Table{
		transport.HeaderSource:        envelope.Source,
		transport.HeaderCorrelationID: envelope.CorrelationID,
	}

	for key, value := range headers {
		amqpHeaders[key] = value
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.MessageID,
		Timestamp:    envelope.Timestamp,
		Type:         envelope.EventType,
		Headers:      amqpHeaders,
		Body:         body,
	}

	rt.publishMu.Lock()
	defer rt.publishMu.Unlock()

	if err := ch.PublishWithContext(ctx, rt.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %q: %w", routingKey, err)
	}

	return rt.awaitConfirm(ctx, confirms)
}

// PublishBatch publishes the events in order, deriving per-event routing
// keys when none is given. The first failure aborts the rest of the
// batch.
func (rt *Transport) PublishBatch(ctx context.Context, evts []event.Event, routingKey string) error {
	for _, evt := range evts {
		key := routingKey
		if strings.TrimSpace(key) == "" && !nilcheck.Interface(evt) {
			key = event.RoutingKeyFor(evt.EventType())
		}

		if err := rt.Publish(ctx, evt, key, nil); err != nil {
			return err
		}
	}

	return nil
}

func (rt *Transport) awaitConfirm(ctx context.Context, confirms chan amqp.Confirmation) error {
	timer := time.NewTimer(rt.confirmTimeout)
	defer timer.Stop()

	select {
	case confirmation, ok := <-confirms:
		if !ok {
			return ErrConfirmsClosed
		}

		if !confirmation.Ack {
			return ErrPublishNacked
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("await confirm: %w", ctx.Err())
	}
}

// Subscribe registers a handler for a routing-key pattern. Patterns
// support AMQP topic wildcards (* and #). Must be called before Start.
func (rt *Transport) Subscribe(routingKeyPattern string, handler transport.Handler) error {
	pattern := strings.TrimSpace(routingKeyPattern)
	if pattern == "" {
		return transport.ErrPatternRequired
	}

	if handler == nil {
		return transport.ErrHandlerRequired
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.started {
		return transport.ErrStartedCannotChange
	}

	rt.subscriptions = append(rt.subscriptions, subscription{pattern: pattern, handler: handler})

	return nil
}

// Start declares the queue topology for every subscription and blocks
// consuming until Stop is called or ctx is cancelled. It fails fast when
// no subscription was registered.
func (rt *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt.mu.Lock()

	if !rt.connected {
		rt.mu.Unlock()

		return transport.ErrNotConnected
	}

	if rt.started {
		rt.mu.Unlock()

		return transport.ErrAlreadyStarted
	}

	if len(rt.subscriptions) == 0 {
		rt.mu.Unlock()

		return transport.ErrNoSubscriptions
	}

	stopCh := make(chan struct{})
	rt.stopCh = stopCh
	rt.started = true
	subscriptions := append([]subscription(nil), rt.subscriptions...)

	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.started = false
		rt.stopCh = nil

		for _, ch := range rt.consumerChs {
			_ = ch.Close()
		}

		rt.consumerChs = nil
		rt.mu.Unlock()
	}()

	for _, sub := range subscriptions {
		deliveries, err := rt.startConsumer(sub)
		if err != nil {
			close(stopCh)
			rt.consumerWg.Wait()

			return err
		}

		rt.consumerWg.Add(1)

		go rt.consumeLoop(ctx, sub, deliveries, stopCh)
	}

	select {
	case <-stopCh:
	case <-ctx.Done():
	}

	rt.consumerWg.Wait()

	return nil
}

// Stop signals the consume loops to exit. In-flight handlers finish
// their current message before the loops unwind.
func (rt *Transport) Stop(ctx context.Context) error {
	rt.mu.Lock()
	stopCh := rt.stopCh
	rt.mu.Unlock()

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
			rt.consumerWg.Wait()
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

func (rt *Transport) startConsumer(sub subscription) (<-chan amqp.Delivery, error) {
	rt.mu.Lock()
	openChannel := rt.openChannel
	rt.mu.Unlock()

	if openChannel == nil {
		return nil, transport.ErrNotConnected
	}

	ch, err := openChannel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	if err := ch.Qos(rt.prefetch, 0, false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("set qos: %w", err)
	}

	queueName, err := rt.declareSubscription(ch, sub.pattern)
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("consume %q: %w", queueName, err)
	}

	rt.mu.Lock()
	rt.consumerChs = append(rt.consumerChs, ch)
	rt.mu.Unlock()

	return deliveries, nil
}

// declareSubscription declares the durable queue for one pattern plus
// its paired dead-letter queue, and binds both.
func (rt *Transport) declareSubscription(ch Channel, pattern string) (string, error) {
	queueName := rt.service + "." + pattern
	dlqName := queueName + dlqQueueSuffix
	dlqKey := dlqRoutingPrefix + pattern

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    rt.dlxExchange(),
		"x-dead-letter-routing-key": dlqKey,
	}); err != nil {
		return "", fmt.Errorf("declare queue %q: %w", queueName, err)
	}

	if err := ch.QueueBind(queueName, pattern, rt.exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue %q: %w", queueName, err)
	}

	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare dlq %q: %w", dlqName, err)
	}

	if err := ch.QueueBind(dlqName, dlqKey, rt.dlxExchange(), false, nil); err != nil {
		return "", fmt.Errorf("bind dlq %q: %w", dlqName, err)
	}

	return queueName, nil
}

func (rt *Transport) consumeLoop(ctx context.Context, sub subscription, deliveries <-chan amqp.Delivery, stopCh chan struct{}) {
	defer rt.consumerWg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}

			rt.handleDelivery(ctx, sub, delivery)
		}
	}
}

func (rt *Transport) handleDelivery(ctx context.Context, sub subscription, delivery amqp.Delivery) {
	evt, envelope, err := rt.serializer.Deserialize(delivery.Body)
	if err != nil {
		// Malformed frame. Fatal for this message only: dead-letter the
		// raw bytes and keep the loop alive.
		rt.logger.Log(ctx, log.LevelError, "failed to decode delivery, dead-lettering",
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err),
		)

		_ = delivery.Nack(false, false)

		return
	}

	if nilcheck.Interface(evt) {
		rt.logger.Log(ctx, log.LevelWarn, "no factory registered for event type",
			log.String("event_type", envelope.EventType),
			log.String("message_id", envelope.MessageID),
		)
	}

	meta := transport.Metadata{
		MessageID:     envelope.MessageID,
		Source:        envelope.Source,
		CorrelationID: envelope.CorrelationID,
		Timestamp:     envelope.Timestamp,
		RoutingKey:    delivery.RoutingKey,
	}

	if err := rt.invokeHandler(ctx, sub.handler, evt, envelope, meta); err != nil {
		rt.logger.Log(ctx, log.LevelWarn, "handler failed, dead-lettering message",
			log.String("message_id", envelope.MessageID),
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err),
		)

		_ = delivery.Nack(false, false)

		return
	}

	_ = delivery.Ack(false)
}

func (rt *Transport) invokeHandler(
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
