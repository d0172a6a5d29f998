package agentflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Execution provides per-node services to node implementations. The
// executor attaches it to the context passed to Node.Execute; read it back
// with ExecutionFrom.
type Execution struct {
	RunID   string
	NodeID  string
	Visit   int
	Attempt int

	logger *slog.Logger
}

// Logger returns the executor's logger enriched with run_id, node_id,
// visit and attempt. Never returns nil; defaults to slog.Default().
func (e *Execution) Logger() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

type executionKey struct{}

// withExecution returns ctx carrying e.
func withExecution(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFrom returns the Execution attached by the executor, or nil
// outside an executor run.
func ExecutionFrom(ctx context.Context) *Execution {
	e, _ := ctx.Value(executionKey{}).(*Execution)
	return e
}

// LoggerFrom returns the execution logger in ctx, or slog.Default().
func LoggerFrom(ctx context.Context) *slog.Logger {
	return ExecutionFrom(ctx).Logger()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

func newExecution(logger *slog.Logger, runID, nodeID string, visit, attempt int) *Execution {
	e := &Execution{RunID: runID, NodeID: nodeID, Visit: visit, Attempt: attempt}
	if logger != nil {
		e.logger = logger.With(
			slog.String("run_id", runID),
			slog.String("node_id", nodeID),
			slog.Int("visit", visit),
			slog.Int("attempt", attempt),
		)
	}
	return e
}
