// Package observability provides structured logging, metrics and tracing
// for agentflow graph runs and event-loop nodes.
//
// Logging uses log/slog. Metrics and tracing use OpenTelemetry through the
// MetricsRecorder and SpanManager interfaces, both with no-op
// implementations for when they are disabled. Every log helper accepts a
// nil logger and does nothing.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds run_id, node_id and visit fields to a logger.
//
//	enriched := EnrichLogger(logger, "run-123", "draft", 1)
//	enriched.Info("doing work") // includes run_id, node_id, visit
func EnrichLogger(logger *slog.Logger, runID, nodeID string, visit int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("visit", visit),
	)
}

// LogRunStart logs the start of a graph run.
func LogRunStart(logger *slog.Logger, runID, graphID, entry string) {
	if logger == nil {
		return
	}
	logger.Info("graph run starting",
		slog.String("run_id", runID),
		slog.String("graph_id", graphID),
		slog.String("entry_node", entry),
	)
}

// LogRunComplete logs successful graph run completion.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("graph run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps", steps),
	)
}

// LogRunPaused logs a run stopping at a pause node.
func LogRunPaused(logger *slog.Logger, runID, nodeID string) {
	if logger == nil {
		return
	}
	logger.Info("graph run paused",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
	)
}

// LogRunError logs graph run failure.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("graph run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID string, visit int) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.Int("visit", visit),
	)
}

// LogNodeComplete logs a node result. A failed result is logged at warn
// level because the graph may still route around it.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64, success bool, errText string) {
	if logger == nil {
		return
	}
	if success {
		logger.Debug("node completed",
			slog.String("node_id", nodeID),
			slog.Float64("duration_ms", durationMs),
		)
		return
	}
	logger.Warn("node returned failure",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
		slog.String("error", errText),
	)
}

// LogNodeError logs node execution error.
func LogNodeError(logger *slog.Logger, nodeID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
	)
}

// LogEdge logs an edge traversal.
func LogEdge(logger *slog.Logger, from, to, condition string) {
	if logger == nil {
		return
	}
	logger.Debug("edge traversed",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("condition", condition),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, runID, nodeID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, nodeID string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("node_id", nodeID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogLoopIteration logs the start of one loop iteration.
func LogLoopIteration(logger *slog.Logger, nodeID string, iteration, messages int) {
	if logger == nil {
		return
	}
	logger.Debug("loop iteration",
		slog.String("node_id", nodeID),
		slog.Int("iteration", iteration),
		slog.Int("messages", messages),
	)
}

// LogToolCall logs a finished tool call.
func LogToolCall(logger *slog.Logger, nodeID, tool string, durationMs float64, isError bool) {
	if logger == nil {
		return
	}
	level := slog.LevelDebug
	if isError {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "tool call",
		slog.String("node_id", nodeID),
		slog.String("tool", tool),
		slog.Float64("duration_ms", durationMs),
		slog.Bool("is_error", isError),
	)
}

// LogVerdict logs a judge verdict.
func LogVerdict(logger *slog.Logger, nodeID string, iteration int, verdict, feedback string) {
	if logger == nil {
		return
	}
	logger.Info("judge verdict",
		slog.String("node_id", nodeID),
		slog.Int("iteration", iteration),
		slog.String("verdict", verdict),
		slog.String("feedback", feedback),
	)
}

// TimedOperation returns a function reporting the milliseconds elapsed
// since TimedOperation was called.
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
