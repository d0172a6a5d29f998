package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every agentflow instrument.
const MeterName = "agentflow"

// MetricsRecorder records agentflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records one node execution and whether its
	// result was a success.
	RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, success bool)

	// RecordGraphRun records a graph run completion.
	RecordGraphRun(ctx context.Context, success bool, duration time.Duration)

	// RecordCheckpoint records a checkpoint save operation.
	RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64)

	// RecordLoopIteration counts one event-loop iteration.
	RecordLoopIteration(ctx context.Context, nodeID string)

	// RecordToolCall records one tool invocation.
	RecordToolCall(ctx context.Context, nodeID, tool string, duration time.Duration, isError bool)

	// RecordVerdict counts a judge verdict by action.
	RecordVerdict(ctx context.Context, nodeID, action string)

	// RecordTokens adds provider token usage.
	RecordTokens(ctx context.Context, nodeID string, input, output int)
}

type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeFailures   metric.Int64Counter
	graphRuns      metric.Int64Counter
	graphLatency   metric.Float64Histogram
	checkpointSize metric.Int64Histogram
	loopIterations metric.Int64Counter
	toolCalls      metric.Int64Counter
	toolLatency    metric.Float64Histogram
	verdicts       metric.Int64Counter
	tokens         metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

// instruments collects the first error from a run of instrument
// constructors so newOtelMetrics reads as a list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	if in.err != nil {
		return nil
	}
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.err = err
	return c
}

func (in *instruments) histogram(name, desc, unit string) metric.Float64Histogram {
	if in.err != nil {
		return nil
	}
	h, err := in.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.err = err
	return h
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	in := &instruments{meter: provider.Meter(MeterName)}

	m := &otelMetrics{
		nodeExecutions: in.counter("agentflow.node.executions", "Number of node executions"),
		nodeLatency:    in.histogram("agentflow.node.latency_ms", "Node execution latency in milliseconds", "ms"),
		nodeFailures:   in.counter("agentflow.node.failures", "Number of node executions that returned failure"),
		graphRuns:      in.counter("agentflow.graph.runs", "Number of graph runs"),
		graphLatency:   in.histogram("agentflow.graph.latency_ms", "Graph run latency in milliseconds", "ms"),
		loopIterations: in.counter("agentflow.loop.iterations", "Number of event-loop iterations"),
		toolCalls:      in.counter("agentflow.tool.calls", "Number of tool calls"),
		toolLatency:    in.histogram("agentflow.tool.latency_ms", "Tool call latency in milliseconds", "ms"),
		verdicts:       in.counter("agentflow.judge.verdicts", "Number of judge verdicts by action"),
		tokens:         in.counter("agentflow.llm.tokens", "Provider tokens by direction"),
	}
	if in.err != nil {
		return nil, in.err
	}

	checkpointSize, err := in.meter.Int64Histogram("agentflow.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	m.checkpointSize = checkpointSize
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder on the global OTel meter
// provider. If initialization fails it returns a no-op recorder.
//
// Configure the provider before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFor returns a MetricsRecorder bound to provider rather
// than the global one.
func NewMetricsRecorderFor(provider metric.MeterProvider) (MetricsRecorder, error) {
	return newOtelMetrics(provider)
}

func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeID string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(attribute.String("node_id", nodeID))

	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if !success {
		m.nodeFailures.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordGraphRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.graphRuns.Add(ctx, 1, attrs)
	m.graphLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, nodeID string, sizeBytes int64) {
	m.checkpointSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("node_id", nodeID)))
}

func (m *otelMetrics) RecordLoopIteration(ctx context.Context, nodeID string) {
	m.loopIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))
}

func (m *otelMetrics) RecordToolCall(ctx context.Context, nodeID, tool string, duration time.Duration, isError bool) {
	attrs := metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("tool", tool),
		attribute.Bool("is_error", isError),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordVerdict(ctx context.Context, nodeID, action string) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("verdict", action),
	))
}

func (m *otelMetrics) RecordTokens(ctx context.Context, nodeID string, input, output int) {
	node := attribute.String("node_id", nodeID)
	if input > 0 {
		m.tokens.Add(ctx, int64(input), metric.WithAttributes(node, attribute.String("direction", "input")))
	}
	if output > 0 {
		m.tokens.Add(ctx, int64(output), metric.WithAttributes(node, attribute.String("direction", "output")))
	}
}
