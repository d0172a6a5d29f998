package agentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
)

func twoNodeGraph() GraphSpec {
	return NewBuilder("pipeline").
		Node(fn("a", nil, keys("x"))).
		Node(fn("b", keys("x"), nil)).
		Edge("a", "b", OnSuccess).
		Terminal("b").
		Build()
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		lines = append(lines, m)
	}
	return lines
}

func messages(lines []map[string]any) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l["msg"].(string))
	}
	return out
}

func TestObservability_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var nodeLogged bool
	exec := mustExecutor(twoNodeGraph(),
		WithFunction("a", func(ctx context.Context, nc NodeContext) (NodeResult, error) {
			LoggerFrom(ctx).Info("inside node")
			nodeLogged = true
			return NodeResult{Success: true, Output: map[string]any{"x": 1}}, nil
		}),
		WithFunction("b", produce(nil)),
		WithCheckpointStore(checkpoint.NewMemoryStore()),
		WithLogger(logger),
	)

	_, err := exec.Run(context.Background(), nil, WithRunID("run-log"))
	require.NoError(t, err)
	require.True(t, nodeLogged)

	lines := logLines(t, &buf)
	msgs := messages(lines)
	assert.Equal(t, "graph run starting", msgs[0])
	assert.Equal(t, "graph run completed", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "node starting")
	assert.Contains(t, msgs, "edge traversed")
	assert.Contains(t, msgs, "checkpoint saved")

	for _, l := range lines {
		if l["msg"] == "inside node" {
			assert.Equal(t, "run-log", l["run_id"])
			assert.Equal(t, "a", l["node_id"])
			assert.EqualValues(t, 1, l["visit"])
			assert.EqualValues(t, 1, l["attempt"])
			return
		}
	}
	t.Fatal("node log line not found")
}

func TestObservability_FailureLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	exec := mustExecutor(twoNodeGraph(), WithFunction("a", fail("broken")), WithFunction("b", produce(nil)), WithLogger(logger))

	_, err := exec.Run(context.Background(), nil)
	require.Error(t, err)

	lines := logLines(t, &buf)
	last := lines[len(lines)-1]
	assert.Equal(t, "graph run failed", last["msg"])
	assert.Equal(t, "a", last["last_node"])
	assert.Contains(t, last["error"], "broken")
}

func TestObservability_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := observability.NewMetricsRecorderFor(provider)
	require.NoError(t, err)

	exec := mustExecutor(twoNodeGraph(),
		WithFunction("a", produce(map[string]any{"x": 1})),
		WithFunction("b", fail("b failed")),
		WithMetrics(metrics),
	)
	_, err = exec.Run(context.Background(), nil)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.EqualValues(t, 2, counter(t, rm, "agentflow.node.executions"))
	assert.EqualValues(t, 1, counter(t, rm, "agentflow.node.failures", attribute.String("node_id", "b")))
	assert.EqualValues(t, 1, counter(t, rm, "agentflow.graph.runs", attribute.Bool("success", false)))
}

func counter(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				match := true
				for _, a := range attrs {
					if v, ok := dp.Attributes.Value(a.Key); !ok || v != a.Value {
						match = false
					}
				}
				if match {
					total += dp.Value
				}
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}

func TestObservability_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	exec := mustExecutor(twoNodeGraph(),
		WithFunction("a", produce(map[string]any{"x": 1})),
		WithFunction("b", fail("b failed")),
		WithSpans(observability.NewSpanManagerFor(tp)),
	)
	_, err := exec.Run(context.Background(), nil)
	require.Error(t, err)

	spans := exporter.GetSpans()
	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "agentflow.run")
	require.Contains(t, byName, "agentflow.node.a")
	require.Contains(t, byName, "agentflow.node.b")

	run := byName["agentflow.run"]
	assert.Equal(t, run.SpanContext.SpanID(), byName["agentflow.node.a"].Parent.SpanID())
	assert.Equal(t, codes.Error, run.Status.Code)
	assert.Equal(t, codes.Error, byName["agentflow.node.b"].Status.Code)
	assert.NotEqual(t, codes.Error, byName["agentflow.node.a"].Status.Code)
}
