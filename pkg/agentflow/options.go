package agentflow

import (
	"log/slog"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNode registers the implementation of node id.
func WithNode(id string, n Node) ExecutorOption {
	return func(e *Executor) { e.nodes[id] = n }
}

// WithFunction registers a function as the implementation of node id.
func WithFunction(id string, fn NodeFunc) ExecutorOption {
	return WithNode(id, fn)
}

// WithNodeFactory sets the factory for nodes without a registered
// implementation, usually an *EventLoopFactory.
func WithNodeFactory(f NodeFactory) ExecutorOption {
	return func(e *Executor) { e.factory = f }
}

// WithCondition replaces the default CONDITIONAL edge evaluator.
func WithCondition(fn ConditionFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.condition = fn
		}
	}
}

// WithCheckpointStore enables a checkpoint after every node and Resume.
func WithCheckpointStore(store checkpoint.Store) ExecutorOption {
	return func(e *Executor) { e.checkpoints = store }
}

// WithCheckpointFailureFatal makes a failed checkpoint save end the run.
// By default the failure is logged and the run continues.
func WithCheckpointFailureFatal(fatal bool) ExecutorOption {
	return func(e *Executor) { e.checkpointFatal = fatal }
}

// WithBus sets where run events are published.
func WithBus(p event.Publisher) ExecutorOption {
	return func(e *Executor) { e.bus = p }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.spans = s
		}
	}
}

// runConfig holds per-run settings.
type runConfig struct {
	runID      string
	entryPoint string
	maxSteps   int
	input      map[string]any
}

// RunOption configures one Run or Resume.
type RunOption func(*runConfig)

// WithRunID sets the run identifier. Default: a new UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithEntryPoint starts the run at a named entry point instead of the
// entry node.
func WithEntryPoint(name string) RunOption {
	return func(c *runConfig) { c.entryPoint = name }
}

// WithMaxSteps overrides the graph's max_steps for this run.
//
// This prevents cycles from running forever. A run that would exceed it
// fails with MaxStepsError.
func WithMaxSteps(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

// WithResumeInput merges values into shared memory before a resumed run
// continues, such as a user's answer to a paused question.
func WithResumeInput(input map[string]any) RunOption {
	return func(c *runConfig) { c.input = input }
}
