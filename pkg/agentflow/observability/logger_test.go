package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a JSON logger at debug level and a function
// decoding every record written so far.
func captureLogger() (*slog.Logger, func() []map[string]any) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	records := func() []map[string]any {
		var out []map[string]any
		for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(line, &m); err == nil {
				out = append(out, m)
			}
		}
		return out
	}
	return logger, records
}

func lastRecord(t *testing.T, records func() []map[string]any) map[string]any {
	t.Helper()
	all := records()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func TestEnrichLogger(t *testing.T) {
	logger, records := captureLogger()
	EnrichLogger(logger, "run-123", "draft", 2).Info("working")

	rec := lastRecord(t, records)
	assert.Equal(t, "run-123", rec["run_id"])
	assert.Equal(t, "draft", rec["node_id"])
	assert.Equal(t, float64(2), rec["visit"]) // JSON decodes ints as float64
	assert.Equal(t, "working", rec["msg"])

	assert.Nil(t, EnrichLogger(nil, "run", "node", 1))
}

func TestLogHelpers(t *testing.T) {
	boom := errors.New("connection failed")

	tests := []struct {
		name   string
		log    func(*slog.Logger)
		level  string
		msg    string
		fields map[string]any
	}{
		{
			name:   "run start",
			log:    func(l *slog.Logger) { LogRunStart(l, "run-1", "research", "intake") },
			level:  "INFO",
			msg:    "graph run starting",
			fields: map[string]any{"run_id": "run-1", "graph_id": "research", "entry_node": "intake"},
		},
		{
			name:   "run complete",
			log:    func(l *slog.Logger) { LogRunComplete(l, "run-1", 123.5, 4) },
			level:  "INFO",
			msg:    "graph run completed",
			fields: map[string]any{"duration_ms": 123.5, "steps": float64(4)},
		},
		{
			name:   "run paused",
			log:    func(l *slog.Logger) { LogRunPaused(l, "run-1", "review") },
			level:  "INFO",
			msg:    "graph run paused",
			fields: map[string]any{"node_id": "review"},
		},
		{
			name:   "run error",
			log:    func(l *slog.Logger) { LogRunError(l, "run-1", boom, 50, "draft") },
			level:  "ERROR",
			msg:    "graph run failed",
			fields: map[string]any{"error": "connection failed", "last_node": "draft"},
		},
		{
			name:   "node start",
			log:    func(l *slog.Logger) { LogNodeStart(l, "draft", 3) },
			level:  "DEBUG",
			msg:    "node starting",
			fields: map[string]any{"node_id": "draft", "visit": float64(3)},
		},
		{
			name:  "node complete success",
			log:   func(l *slog.Logger) { LogNodeComplete(l, "draft", 12, true, "") },
			level: "DEBUG",
			msg:   "node completed",
		},
		{
			name:   "node complete failure",
			log:    func(l *slog.Logger) { LogNodeComplete(l, "draft", 12, false, "Node stalled: 3 identical responses") },
			level:  "WARN",
			msg:    "node returned failure",
			fields: map[string]any{"error": "Node stalled: 3 identical responses"},
		},
		{
			name:   "node error",
			log:    func(l *slog.Logger) { LogNodeError(l, "draft", boom) },
			level:  "ERROR",
			msg:    "node failed",
			fields: map[string]any{"error": "connection failed"},
		},
		{
			name:   "edge",
			log:    func(l *slog.Logger) { LogEdge(l, "a", "b", "on_success") },
			level:  "DEBUG",
			msg:    "edge traversed",
			fields: map[string]any{"from": "a", "to": "b", "condition": "on_success"},
		},
		{
			name:   "checkpoint",
			log:    func(l *slog.Logger) { LogCheckpoint(l, "run-1", "draft", 512) },
			level:  "DEBUG",
			msg:    "checkpoint saved",
			fields: map[string]any{"size_bytes": float64(512)},
		},
		{
			name:   "checkpoint error",
			log:    func(l *slog.Logger) { LogCheckpointError(l, "draft", "save", boom) },
			level:  "WARN",
			msg:    "checkpoint failed",
			fields: map[string]any{"operation": "save"},
		},
		{
			name:   "loop iteration",
			log:    func(l *slog.Logger) { LogLoopIteration(l, "draft", 2, 7) },
			level:  "DEBUG",
			msg:    "loop iteration",
			fields: map[string]any{"iteration": float64(2), "messages": float64(7)},
		},
		{
			name:   "tool call ok",
			log:    func(l *slog.Logger) { LogToolCall(l, "draft", "search", 4, false) },
			level:  "DEBUG",
			msg:    "tool call",
			fields: map[string]any{"tool": "search", "is_error": false},
		},
		{
			name:   "tool call failed",
			log:    func(l *slog.Logger) { LogToolCall(l, "draft", "search", 4, true) },
			level:  "WARN",
			msg:    "tool call",
			fields: map[string]any{"is_error": true},
		},
		{
			name:   "verdict",
			log:    func(l *slog.Logger) { LogVerdict(l, "draft", 1, "RETRY", "more detail") },
			level:  "INFO",
			msg:    "judge verdict",
			fields: map[string]any{"verdict": "RETRY", "feedback": "more detail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := captureLogger()
			tt.log(logger)

			rec := lastRecord(t, records)
			assert.Equal(t, tt.level, rec["level"])
			assert.Equal(t, tt.msg, rec["msg"])
			for k, v := range tt.fields {
				assert.Equal(t, v, rec[k], "field %s", k)
			}

			assert.NotPanics(t, func() { tt.log(nil) })
		})
	}
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(10))
}
