package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "execwatch"

// Tracer wraps OpenTelemetry tracing for execution API calls.
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
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("execwatch.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for execution tracing.
var (
	AttrWorkspaceID = attribute.Key("execwatch.workspace.id")
	AttrAgentID     = attribute.Key("execwatch.agent.id")
	AttrExecID      = attribute.Key("execwatch.execution.id")
	AttrStatus      = attribute.Key("execwatch.status")
	AttrFormat      = attribute.Key("execwatch.export.format")
	AttrCount       = attribute.Key("execwatch.count")
)
