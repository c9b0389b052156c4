// Package opentelemetry carries the small span helpers shared by the
// store, relay, and transports.
package opentelemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds an event to the span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}
