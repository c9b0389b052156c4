package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexolith/eventflow"
	"github.com/nexolith/eventflow/codec"
	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/opentelemetry"
	"github.com/nexolith/eventflow/outbox"
)

type Option func(*Bridge)

func WithLogger(logger log.Logger) Option {
	return func(bridge *Bridge) {
		if nilcheck.Interface(logger) {
			return
		}

		bridge.logger = logger
	}
}

// WithLocalDispatcher attaches the in-process dispatcher DispatchCollected
// replays committed events through.
func WithLocalDispatcher(dispatcher *LocalDispatcher) Option {
	return func(bridge *Bridge) {
		if dispatcher != nil {
			bridge.dispatcher = dispatcher
		}
	}
}

type publishConfig struct {
	aggregateID   string
	aggregateType string
	routingKey    string
}

type PublishOption func(*publishConfig)

// WithAggregate attributes an ad-hoc event to an aggregate it does not
// carry itself.
func WithAggregate(aggregateID, aggregateType string) PublishOption {
	return func(cfg *publishConfig) {
		cfg.aggregateID = aggregateID
		cfg.aggregateType = aggregateType
	}
}

// WithRoutingKey overrides the routing key derived from the event type.
func WithRoutingKey(routingKey string) PublishOption {
	return func(cfg *publishConfig) {
		cfg.routingKey = routingKey
	}
}

// Bridge captures domain events inside the caller's transaction and
// persists one outbox entry per event, so the business mutation and the
// event either commit together or roll back together.
//
// The local-dispatch buffer is scoped to one unit of work: use one
// Bridge per transaction, then call DispatchCollected after commit or
// DiscardCollected after rollback. Concurrent transactions sharing a
// Bridge would interleave their events in the buffer, letting one
// caller drain another's uncommitted events.
type Bridge struct {
	store      outbox.Store
	serializer *codec.Serializer
	logger     log.Logger
	dispatcher *LocalDispatcher
	collected  event.Recorder
}

// New creates a bridge over the given store and serializer.
func New(store outbox.Store, serializer *codec.Serializer, opts ...Option) (*Bridge, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if serializer == nil {
		return nil, ErrSerializerRequired
	}

	bridge := &Bridge{
		store:      store,
		serializer: serializer,
		logger:     log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(bridge)
		}
	}

	if nilcheck.Interface(bridge.logger) {
		bridge.logger = log.NewNop()
	}

	if bridge.dispatcher == nil {
		bridge.dispatcher = NewLocalDispatcher(bridge.logger)
	}

	return bridge, nil
}

// Collect atomically drains the aggregate's pending events and persists
// one outbox entry per event inside the caller's transaction. Each event
// is captured exactly once: the aggregate's buffer is empty afterwards
// even when persisting fails, in which case the caller's rollback
// discards the corresponding rows too.
func (bridge *Bridge) Collect(ctx context.Context, tx outbox.Tx, aggregate event.Source) ([]event.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(aggregate) {
		return nil, ErrAggregateRequired
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "bridge.collect")
	defer span.End()

	drained := aggregate.DrainEvents()

	for _, evt := range drained {
		if err := bridge.persist(ctx, tx, evt, publishConfig{}); err != nil {
			opentelemetry.HandleSpanError(span, "failed to persist collected event", err)

			return drained, err
		}
	}

	return drained, nil
}

// CollectMany applies Collect to each aggregate in order and returns the
// concatenated events.
func (bridge *Bridge) CollectMany(ctx context.Context, tx outbox.Tx, aggregates ...event.Source) ([]event.Event, error) {
	collected := make([]event.Event, 0, len(aggregates))

	for _, aggregate := range aggregates {
		drained, err := bridge.Collect(ctx, tx, aggregate)

		collected = append(collected, drained...)
		if err != nil {
			return collected, err
		}
	}

	return collected, nil
}

// PublishEvent persists one outbox entry for an event not owned by an
// aggregate, such as system events or saga compensation.
func (bridge *Bridge) PublishEvent(ctx context.Context, tx outbox.Tx, evt event.Event, opts ...PublishOption) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(evt) {
		return ErrEventRequired
	}

	var cfg publishConfig

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	_, tracer, _ := eventflow.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "bridge.publish_event")
	defer span.End()

	if err := bridge.persist(ctx, tx, evt, cfg); err != nil {
		opentelemetry.HandleSpanError(span, "failed to persist event", err)

		return err
	}

	return nil
}

// DispatchCollected replays every event captured since the last drain
// through the local dispatcher and clears the buffer. Call it only after
// the surrounding transaction committed; on rollback call
// DiscardCollected instead. The replay is local-only, at-most-once, and
// never the durability path.
func (bridge *Bridge) DispatchCollected(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	events := bridge.collected.DrainEvents()

	for _, evt := range events {
		bridge.dispatcher.Dispatch(ctx, evt)
	}

	return len(events)
}

// DiscardCollected drops every event captured since the last drain
// without dispatching, and returns how many were dropped. Call it when
// the surrounding transaction rolls back: the outbox rows are gone with
// the rollback, so local handlers must never see those events either.
func (bridge *Bridge) DiscardCollected() int {
	return len(bridge.collected.DrainEvents())
}

// RegisterLocalHandler subscribes an in-process handler to an event type
// for DispatchCollected replays.
func (bridge *Bridge) RegisterLocalHandler(eventType string, handler LocalHandler) error {
	return bridge.dispatcher.Register(eventType, handler)
}

// Pending reports how many collected events await DispatchCollected.
func (bridge *Bridge) Pending() int {
	return bridge.collected.Pending()
}

func (bridge *Bridge) persist(ctx context.Context, tx outbox.Tx, evt event.Event, cfg publishConfig) error {
	if nilcheck.Interface(evt) {
		return ErrEventRequired
	}

	envelope, err := bridge.serializer.Envelope(evt)
	if err != nil {
		return fmt.Errorf("building envelope: %w", err)
	}

	routingKey := strings.TrimSpace(cfg.routingKey)
	if routingKey == "" {
		routingKey = DeriveRoutingKey(evt.EventType())
	}

	entry, err := outbox.NewEntry(evt.EventID(), evt.EventType(), routingKey, envelope.Payload)
	if err != nil {
		return fmt.Errorf("building outbox entry: %w", err)
	}

	entry.AggregateID = evt.AggregateID()
	entry.AggregateType = evt.AggregateType()

	if cfg.aggregateID != "" {
		entry.AggregateID = cfg.aggregateID
	}

	if cfg.aggregateType != "" {
		entry.AggregateType = cfg.aggregateType
	}

	entry.Source = envelope.Source
	entry.CorrelationID = envelope.CorrelationID

	if tx != nil {
		_, err = bridge.store.AddWithTx(ctx, tx, entry)
	} else {
		_, err = bridge.store.Add(ctx, entry)
	}

	if err != nil {
		return fmt.Errorf("persisting outbox entry: %w", err)
	}

	bridge.collected.Record(evt)

	bridge.logger.Log(ctx, log.LevelDebug, "collected event",
		log.String("event_type", evt.EventType()),
		log.String("event_id", evt.EventID().String()),
		log.String("routing_key", routingKey),
	)

	return nil
}
