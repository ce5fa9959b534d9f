package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "csv-chat-sandbox"

// Tracer wraps OpenTelemetry tracing for the chat pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("chat.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan marks the span failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for pipeline tracing.
var (
	AttrRunID      = attribute.Key("chat.run.id")
	AttrTableName  = attribute.Key("chat.table.name")
	AttrTableRows  = attribute.Key("chat.table.rows")
	AttrStatus     = attribute.Key("chat.status")
	AttrAttempt    = attribute.Key("chat.attempt")
	AttrExecID     = attribute.Key("sandbox.execution.id")
	AttrCodeHash   = attribute.Key("sandbox.code_hash")
	AttrOutcome    = attribute.Key("sandbox.outcome")
	AttrMethod     = attribute.Key("chat.extraction.method")
	AttrDurationMS = attribute.Key("sandbox.duration_ms")
)
