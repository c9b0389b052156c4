package relay

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	entriesPublished   metric.Int64Counter
	entriesFailed      metric.Int64Counter
	entriesStateFailed metric.Int64Counter
	cycleLatency       metric.Float64Histogram
	batchDepth         metric.Int64Gauge
	entriesExhausted   metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventflow.relay")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.entriesPublished, err = meter.Int64Counter(
		"outbox.entries.published",
		metric.WithDescription("Number of outbox entries successfully published"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.published counter: %w", err)
	}

	metrics.entriesFailed, err = meter.Int64Counter(
		"outbox.entries.failed",
		metric.WithDescription("Number of outbox entries that failed to publish"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.failed counter: %w", err)
	}

	metrics.entriesStateFailed, err = meter.Int64Counter(
		"outbox.entries.state_update_failed",
		metric.WithDescription("Number of entries published to the broker but not persisted as published"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.state_update_failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.relay.cycle_latency",
		metric.WithDescription("Time taken per relay processing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.cycle_latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.relay.batch_depth",
		metric.WithDescription("Number of entries claimed in a processing cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.batch_depth gauge: %w", err)
	}

	metrics.entriesExhausted, err = meter.Int64Gauge(
		"outbox.entries.exhausted",
		metric.WithDescription("Number of unpublished entries whose retry budget is spent"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.exhausted gauge: %w", err)
	}

	return metrics, nil
}
