// Package relay polls the outbox and publishes pending entries to a
// broker transport.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nexolith/eventflow/backoff"
	"github.com/nexolith/eventflow/event"
	"github.com/nexolith/eventflow/internal/nilcheck"
	"github.com/nexolith/eventflow/log"
	"github.com/nexolith/eventflow/opentelemetry"
	"github.com/nexolith/eventflow/outbox"
	"github.com/nexolith/eventflow/runtime"
	"github.com/nexolith/eventflow/transport"
)

// Relay drains pending outbox entries and publishes them through the
// configured transport. One relay cycle claims a bounded batch, publishes
// oldest first, and records the outcome per entry; a failing entry never
// aborts the rest of its batch.
type Relay struct {
	store     outbox.Store
	publisher transport.Publisher
	logger    log.Logger
	tracer    trace.Tracer
	cfg       Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics relayMetrics
}

// Result captures one processing cycle outcome.
type Result struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

// New creates a relay over the given store and publisher.
func New(store outbox.Store, publisher transport.Publisher, opts ...Option) (*Relay, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	relay := &Relay{
		store:     store,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("eventflow.noop"),
		cfg:       DefaultConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the polling loop until Stop is called or ctx is cancelled.
// The first cycle runs immediately, later ones on every poll interval
// tick.
func (relay *Relay) Run(parentCtx context.Context) error {
	if relay == nil {
		return ErrStoreRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	relay.logger.Log(ctx, log.LevelInfo, "outbox relay started",
		log.Any("poll_interval", relay.cfg.PollInterval),
		log.Int("batch_size", relay.cfg.BatchSize),
	)
	defer relay.logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")

	defer runtime.RecoverAndLogWithContext(ctx, relay.logger, "relay", "run")

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	relay.runCycle(ctx)

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runCycle(ctx)
		}
	}
}

func (relay *Relay) runCycle(ctx context.Context) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, relay.logger, "relay", "cycle")

	relay.ProcessPendingResult(ctx)
}

// Stop signals the polling loop to stop. The in-flight cycle finishes
// its current entry boundary before the loop exits.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(relay.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.logger, "relay.shutdown_wait", runtime.KeepRunning, func() {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// ProcessPending runs one cycle and returns how many entries were
// published.
func (relay *Relay) ProcessPending(ctx context.Context) (int, error) {
	result, err := relay.processPending(ctx)

	return result.Published, err
}

// ProcessPendingResult runs one cycle and returns per-outcome counters.
// Store-level fetch failures are logged and yield an empty result; they
// surface through the next cycles and the failure metrics instead of
// aborting the loop.
func (relay *Relay) ProcessPendingResult(ctx context.Context) Result {
	result, err := relay.processPending(ctx)
	if err != nil {
		log.SafeError(relay.logger, ctx, "failed to fetch pending entries", err)
	}

	return result
}

func (relay *Relay) processPending(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "relay.process_pending")
	defer span.End()

	entries, err := relay.store.GetPending(ctx, relay.cfg.BatchSize, relay.cfg.MaxRetries)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to get pending entries", err)

		return Result{}, fmt.Errorf("getting pending entries: %w", err)
	}

	if relay.metrics.batchDepth != nil {
		relay.metrics.batchDepth.Record(ctx, int64(len(entries)))
	}

	var result Result

	// Publish precedes MarkPublished, so delivery is at-least-once: a
	// crash between the two replays the entry and consumers deduplicate
	// on event id.
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		result.Processed++

		if err := relay.publishWithRetry(ctx, entry); err != nil {
			relay.handlePublishError(ctx, entry, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := relay.store.MarkPublished(ctx, entry.ID, time.Now().UTC()); err != nil {
			relay.logger.Log(ctx, log.LevelError,
				"entry published to broker but failed to persist published state; entry may be retried",
				log.String("event_id", entry.EventID.String()),
				log.String("error", outbox.SanitizeError(err)),
			)

			result.StateUpdateFailed++
		}
	}

	relay.recordCycleMetrics(ctx, result, time.Since(start).Seconds())

	return result, nil
}

// ExhaustedCount reports how many unpublished entries ran out of retry
// budget. Operators watch this through the outbox.entries.exhausted
// gauge, which every cycle refreshes.
func (relay *Relay) ExhaustedCount(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	return relay.store.CountExhausted(ctx, relay.cfg.MaxRetries)
}

func (relay *Relay) publishWithRetry(ctx context.Context, entry *outbox.Entry) error {
	evt := reconstructEntry(entry)
	headers := map[string]any{
		transport.HeaderSource:        entry.Source,
		transport.HeaderCorrelationID: entry.CorrelationID,
	}

	var lastErr error

	for attempt := 0; attempt < relay.cfg.PublishMaxAttempts; attempt++ {
		err := relay.publisher.Publish(ctx, evt, entry.RoutingKey, headers)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, relay.cfg.PublishMaxAttempts, err)
		if attempt == relay.cfg.PublishMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(relay.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)

			break
		}
	}

	return lastErr
}

func (relay *Relay) handlePublishError(ctx context.Context, entry *outbox.Entry, err error) {
	relay.logger.Log(ctx, log.LevelWarn, "failed to publish outbox entry",
		log.String("event_id", entry.EventID.String()),
		log.String("routing_key", entry.RoutingKey),
		log.Int("retry_count", entry.RetryCount),
		log.String("error", outbox.SanitizeError(err)),
	)

	if markErr := relay.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
		log.SafeError(relay.logger, ctx, "failed to mark entry failed", markErr)
	}
}

func (relay *Relay) recordCycleMetrics(ctx context.Context, result Result, latencySeconds float64) {
	if relay.metrics.entriesPublished != nil && result.Published > 0 {
		relay.metrics.entriesPublished.Add(ctx, int64(result.Published))
	}

	if relay.metrics.entriesFailed != nil && result.Failed > 0 {
		relay.metrics.entriesFailed.Add(ctx, int64(result.Failed))
	}

	if relay.metrics.entriesStateFailed != nil && result.StateUpdateFailed > 0 {
		relay.metrics.entriesStateFailed.Add(ctx, int64(result.StateUpdateFailed))
	}

	if relay.metrics.cycleLatency != nil {
		relay.metrics.cycleLatency.Record(ctx, latencySeconds)
	}

	if relay.metrics.entriesExhausted != nil {
		if exhausted, err := relay.store.CountExhausted(ctx, relay.cfg.MaxRetries); err == nil {
			relay.metrics.entriesExhausted.Record(ctx, exhausted)
		}
	}
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

// reconstructEntry builds the minimal publishable event for a stored
// entry without knowing its concrete type.
func reconstructEntry(entry *outbox.Entry) event.Reconstructed {
	var meta map[string]string

	if entry.CorrelationID != "" {
		meta = map[string]string{event.MetadataCorrelationID: entry.CorrelationID}
	}

	return event.Reconstructed{
		ID:        entry.EventID,
		Type:      entry.EventType,
		Subject:   entry.AggregateID,
		SubjectTy: entry.AggregateType,
		Meta:      meta,
		At:        entry.CreatedAt,
		Payload:   entry.Payload,
	}
}
