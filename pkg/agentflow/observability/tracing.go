package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of agentflow spans.
const TracerName = "agentflow"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartRunSpan starts a span for the entire graph run.
	StartRunSpan(ctx context.Context, graphID, runID string) (context.Context, trace.Span)

	// StartNodeSpan starts a span for a node execution, a child of the
	// run span.
	StartNodeSpan(ctx context.Context, nodeID string) (context.Context, trace.Span)

	// StartTurnSpan starts a span for one event-loop iteration.
	StartTurnSpan(ctx context.Context, nodeID string, iteration int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager on the global OTel tracer provider.
// Configure the provider first:
//
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return NewSpanManagerFor(otel.GetTracerProvider())
}

// NewSpanManagerFor returns a SpanManager bound to provider.
func NewSpanManagerFor(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: provider.Tracer(TracerName)}
}

func (m *otelSpanManager) StartRunSpan(ctx context.Context, graphID, runID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "agentflow.run",
		trace.WithAttributes(
			attribute.String("graph.id", graphID),
			attribute.String("run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartNodeSpan(ctx context.Context, nodeID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "agentflow.node."+nodeID,
		trace.WithAttributes(attribute.String("node.id", nodeID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartTurnSpan(ctx context.Context, nodeID string, iteration int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "agentflow.turn."+strconv.Itoa(iteration),
		trace.WithAttributes(
			attribute.String("node.id", nodeID),
			attribute.Int("loop.iteration", iteration),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
