package agentflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
)

// Resume continues a run from its latest checkpoint. A run paused at a
// pause node continues at the node after it; a run that crashed continues
// at the node that was about to execute, whose event-loop conversation is
// restored from the conversation store when the factory uses a
// persistent one.
//
// WithResumeInput merges values into the restored memory; WithRunID and
// WithEntryPoint are ignored.
//
// Example:
//
//	res, _ := exec.Run(ctx, input, agentflow.WithRunID("run-123"))
//	if res.PausedAt != "" {
//	    res, err = exec.Resume(ctx, "run-123",
//	        agentflow.WithResumeInput(map[string]any{"answer": "yes"}))
//	}
func (e *Executor) Resume(ctx context.Context, runID string, opts ...RunOption) (*ExecutionResult, error) {
	if e.checkpoints == nil {
		return nil, ErrNoCheckpointStore
	}
	cfg := e.runConfig(opts)

	cp, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("resume %s: %w", runID, err)
		}
		return nil, &CheckpointError{Op: "load", Err: err}
	}

	st := &runState{
		runID:  runID,
		memory: cp.Memory,
		visits: cp.Visits,
		path:   slices.Clone(cp.Path),
		steps:  cp.Steps,
		tokens: cp.TotalTokens,
		seq:    cp.Sequence,
	}
	maps.Copy(st.memory, cfg.input)

	if cp.NextNode == "" {
		res := st.result()
		return res, fmt.Errorf("resume %s: %w", runID, ErrRunFinished)
	}
	if !e.graph.HasNode(cp.NextNode) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResumeNode, cp.NextNode)
	}
	return e.execute(ctx, st, cp.NextNode, cfg.maxSteps)
}
