// Package eventflow carries the cross-cutting context plumbing shared by
// every subpackage: request-scoped logger, tracer, and correlation id.
package eventflow

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexolith/eventflow/log"
)

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingValues.
const TrackingContextKey trackingContextKey = "eventflow.tracking"

// TrackingValues holds the request-scoped facilities attached to context.
type TrackingValues struct {
	CorrelationID string
	Tracer        trace.Tracer
	Logger        log.Logger
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithCorrelationID returns a context carrying the correlation id.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	values := trackingValues(ctx)
	values.CorrelationID = strings.TrimSpace(correlationID)

	return context.WithValue(ctx, TrackingContextKey, values)
}

// NewTrackingFromContext extracts the logger, tracer, and correlation id
// from context, substituting functional defaults for anything missing so
// callers never have to nil-check.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	values := trackingValues(ctx)

	logger := values.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer("eventflow.default")
	}

	correlationID := strings.TrimSpace(values.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return logger, tracer, correlationID
}

func trackingValues(ctx context.Context) *TrackingValues {
	if ctx == nil {
		return &TrackingValues{}
	}

	if values, ok := ctx.Value(TrackingContextKey).(*TrackingValues); ok && values != nil {
		clone := *values

		return &clone
	}

	return &TrackingValues{}
}
