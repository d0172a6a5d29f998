package agentflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
)

// ExecutionResult is the outcome of a run.
type ExecutionResult struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	// Output is the final shared memory.
	Output      map[string]any `json:"output"`
	Path        []string       `json:"path"`
	Steps       int            `json:"steps"`
	TotalTokens int            `json:"total_tokens"`
	Visits      map[string]int `json:"visits"`
	Error       string         `json:"error,omitempty"`
	// PausedAt is the pause node the run stopped after. NextNode is where
	// Resume continues.
	PausedAt string        `json:"paused_at,omitempty"`
	NextNode string        `json:"next_node,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs a CompiledGraph. It is safe for concurrent runs as long as
// the registered nodes are; event-loop nodes built by a factory are
// created per execution.
type Executor struct {
	graph           *CompiledGraph
	nodes           map[string]Node
	factory         NodeFactory
	condition       ConditionFunc
	checkpoints     checkpoint.Store
	checkpointFatal bool
	bus             event.Publisher
	logger          *slog.Logger
	metrics         observability.MetricsRecorder
	spans           observability.SpanManager
}

// NewExecutor creates an executor for cg. Every node must have an
// implementation: a registered Node or function, or a factory.
func NewExecutor(cg *CompiledGraph, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		graph:   cg,
		nodes:   make(map[string]Node),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(e)
	}

	var errs []error
	if cg.externalConditions && e.condition == nil && cg.hasConditionalEdges() {
		errs = append(errs, ErrNoConditionEvaluator)
	}
	for _, id := range sortedKeys(e.nodes) {
		if !cg.HasNode(id) {
			errs = append(errs, fmt.Errorf("%w: registered implementation for %s", ErrNodeNotFound, id))
		}
	}
	for _, n := range cg.spec.Nodes {
		if _, ok := e.nodes[n.ID]; ok {
			continue
		}
		if e.factory == nil {
			errs = append(errs, fmt.Errorf("%w: %s (%s)", ErrNoImplementation, n.ID, n.Kind()))
			continue
		}
		if checker, ok := e.factory.(nodeChecker); ok {
			if err := checker.Check(n); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return e, nil
}

// Graph returns the graph the executor runs.
func (e *Executor) Graph() *CompiledGraph { return e.graph }

// runState is the mutable state of one run.
type runState struct {
	runID    string
	memory   map[string]any
	visits   map[string]int
	path     []string
	steps    int
	tokens   int
	seq      int
	pausedAt string
	next     string
}

func (s *runState) result() *ExecutionResult {
	return &ExecutionResult{
		RunID:       s.runID,
		Success:     true,
		Output:      maps.Clone(s.memory),
		Path:        slices.Clone(s.path),
		Steps:       s.steps,
		TotalTokens: s.tokens,
		Visits:      maps.Clone(s.visits),
		PausedAt:    s.pausedAt,
		NextNode:    s.next,
	}
}

func (s *runState) lastNode() string {
	if len(s.path) == 0 {
		return ""
	}
	return s.path[len(s.path)-1]
}

// Run executes the graph from its entry node with input as the initial
// shared memory.
//
// Execution flow:
//  1. Check for cancellation, the step limit and the node's visit budget
//  2. Execute the node, retrying a failed result up to max_retries_per_node
//  3. Merge a successful result's output into shared memory
//  4. Choose the next node by router route or by prioritized edges
//  5. Checkpoint; stop after a pause node or terminal node, else repeat
//
// The returned result is never nil once the run started; on failure it
// holds the state at the point of failure and Error describes it.
//
// Example:
//
//	res, err := exec.Run(ctx, map[string]any{"topic": "go"})
//	if err != nil {
//	    // res.Path shows how far the run got
//	}
func (e *Executor) Run(ctx context.Context, input map[string]any, opts ...RunOption) (*ExecutionResult, error) {
	cfg := e.runConfig(opts)

	start := e.graph.EntryNode()
	if cfg.entryPoint != "" {
		id, ok := e.graph.EntryPoint(cfg.entryPoint)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntryPoint, cfg.entryPoint)
		}
		start = id
	}

	memory := maps.Clone(input)
	if memory == nil {
		memory = make(map[string]any)
	}
	maps.Copy(memory, cfg.input)
	st := &runState{runID: cfg.runID, memory: memory, visits: make(map[string]int)}
	return e.execute(ctx, st, start, cfg.maxSteps)
}

func (e *Executor) runConfig(opts []RunOption) runConfig {
	cfg := runConfig{maxSteps: e.graph.spec.Steps()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = NewRunID()
	}
	return cfg
}

// execute wraps the node loop with run-level observability.
func (e *Executor) execute(ctx context.Context, st *runState, start string, maxSteps int) (*ExecutionResult, error) {
	begin := time.Now()
	observability.LogRunStart(e.logger, st.runID, e.graph.ID(), start)

	ctx, span := e.spans.StartRunSpan(ctx, e.graph.ID(), st.runID)
	e.publish(ctx, event.RunStarted, event.GraphPayload{RunID: st.runID, NodeID: start})

	err := e.loop(ctx, st, start, maxSteps)

	duration := time.Since(begin)
	e.spans.EndSpanWithError(span, err)
	e.metrics.RecordGraphRun(ctx, err == nil, duration)

	res := st.result()
	res.Duration = duration
	switch {
	case err != nil:
		res.Success = false
		res.Error = err.Error()
		observability.LogRunError(e.logger, st.runID, err, float64(duration.Milliseconds()), st.lastNode())
	case st.pausedAt != "":
		observability.LogRunPaused(e.logger, st.runID, st.pausedAt)
	default:
		observability.LogRunComplete(e.logger, st.runID, float64(duration.Milliseconds()), st.steps)
	}
	e.publish(ctx, event.RunCompleted, event.GraphPayload{
		RunID:   st.runID,
		NodeID:  st.lastNode(),
		Step:    st.steps,
		Success: res.Success,
		Error:   res.Error,
	})
	return res, err
}

// loop runs nodes from current until the run ends, pauses or fails.
func (e *Executor) loop(ctx context.Context, st *runState, current string, maxSteps int) error {
	for current != "" {
		// Check for cancellation before executing node
		select {
		case <-ctx.Done():
			return &CancellationError{NodeID: current, Cause: ctx.Err()}
		default:
		}

		if st.steps >= maxSteps {
			return &MaxStepsError{Max: maxSteps, LastNodeID: current}
		}

		spec := e.graph.nodes[current]
		if budget := spec.VisitBudget(); budget > 0 && st.visits[current] >= budget {
			return &VisitBudgetExceededError{NodeID: current, Budget: budget}
		}
		st.visits[current]++
		st.steps++
		st.path = append(st.path, current)

		result := e.runNode(ctx, spec, st)
		st.tokens += result.TokensUsed
		if !result.Success && ctx.Err() != nil {
			return &CancellationError{NodeID: current, Cause: ctx.Err(), WasExecuting: true}
		}
		if result.Success {
			maps.Copy(st.memory, result.Output)
		}

		next, err := e.next(ctx, spec, result, st)
		if err != nil {
			return err
		}

		paused := e.graph.IsPauseNode(current)
		if paused {
			st.pausedAt = current
			st.next = next
		}
		if err := e.checkpoint(ctx, st, current, next); err != nil {
			return err
		}
		if paused {
			return nil
		}
		current = next
	}
	return nil
}

// runNode executes spec, retrying failed results. The returned result is
// the last attempt's, with TokensUsed summed over every attempt.
func (e *Executor) runNode(ctx context.Context, spec *NodeSpec, st *runState) NodeResult {
	visit := st.visits[spec.ID]
	retries := e.graph.spec.MaxRetriesPerNode

	var (
		result NodeResult
		tokens int
	)
	for attempt := 1; attempt <= retries+1; attempt++ {
		result = e.attempt(ctx, spec, st, visit, attempt)
		tokens += result.TokensUsed
		if result.Success || ctx.Err() != nil {
			break
		}
		if attempt <= retries && e.logger != nil {
			e.logger.Warn("retrying node",
				slog.String("run_id", st.runID),
				slog.String("node_id", spec.ID),
				slog.Int("attempt", attempt),
				slog.String("error", result.Error),
			)
		}
	}
	result.TokensUsed = tokens
	return result
}

// attempt executes spec once with node-level observability.
func (e *Executor) attempt(ctx context.Context, spec *NodeSpec, st *runState, visit, attempt int) NodeResult {
	nodeCtx, span := e.spans.StartNodeSpan(ctx, spec.ID)
	nodeCtx = withExecution(nodeCtx, newExecution(e.logger, st.runID, spec.ID, visit, attempt))

	observability.LogNodeStart(e.logger, spec.ID, visit)
	e.publish(ctx, event.NodeStarted, event.GraphPayload{RunID: st.runID, NodeID: spec.ID, Step: st.steps})

	start := time.Now()
	nc := NodeContext{RunID: st.runID, Input: inputsFor(spec, st.memory), Visit: visit}
	result := e.invoke(nodeCtx, spec, nc, NodeInfo{RunID: st.runID, Visit: visit, Attempt: attempt})
	duration := time.Since(start)

	if result.Output == nil {
		result.Output = map[string]any{}
	}
	if len(result.Path) == 0 {
		result.Path = []string{spec.ID}
	}
	if result.Latency == 0 {
		result.Latency = duration
	}
	if !result.Success && result.Error == "" {
		result.Error = "node returned failure"
	}

	e.metrics.RecordNodeExecution(nodeCtx, spec.ID, duration, result.Success)
	var spanErr error
	if !result.Success {
		spanErr = errors.New(result.Error)
	}
	e.spans.EndSpanWithError(span, spanErr)

	observability.LogNodeComplete(e.logger, spec.ID, float64(duration.Milliseconds()), result.Success, result.Error)
	e.publish(ctx, event.NodeCompleted, event.GraphPayload{
		RunID:   st.runID,
		NodeID:  spec.ID,
		Step:    st.steps,
		Success: result.Success,
		Error:   result.Error,
	})
	return result
}

// invoke resolves and executes the node, turning errors and panics into
// failed results.
func (e *Executor) invoke(ctx context.Context, spec *NodeSpec, nc NodeContext, info NodeInfo) (result NodeResult) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{NodeID: spec.ID, Value: r, Stack: string(debug.Stack())}
			observability.LogNodeError(e.logger, spec.ID, perr)
			result = NodeResult{Output: map[string]any{}, Error: perr.Error()}
		}
	}()

	node, built, err := e.resolve(ctx, spec, info)
	if err != nil {
		nerr := &NodeError{NodeID: spec.ID, Op: "build", Err: err}
		observability.LogNodeError(e.logger, spec.ID, nerr)
		return NodeResult{Output: map[string]any{}, Error: nerr.Error()}
	}
	if c, ok := node.(io.Closer); ok && built {
		defer func() { _ = c.Close() }()
	}

	res, err := node.Execute(ctx, nc)
	if err != nil {
		observability.LogNodeError(e.logger, spec.ID, err)
		return NodeResult{Output: res.Output, Error: err.Error(), TokensUsed: res.TokensUsed}
	}
	return res
}

// resolve returns the node for spec. built reports that the factory
// created it, so it is closed after the execution.
func (e *Executor) resolve(ctx context.Context, spec *NodeSpec, info NodeInfo) (n Node, built bool, err error) {
	if n, ok := e.nodes[spec.ID]; ok {
		return n, false, nil
	}
	if e.factory == nil {
		return nil, false, ErrNoImplementation
	}
	n, err = e.factory.NewNode(ctx, *spec, info)
	return n, err == nil, err
}

// inputsFor copies the node's declared inputs out of shared memory. A
// pending pause request is passed along so event-loop nodes can honour it.
func inputsFor(spec *NodeSpec, memory map[string]any) map[string]any {
	in := make(map[string]any, len(spec.InputKeys))
	for _, k := range spec.InputKeys {
		if v, ok := memory[k]; ok {
			in[k] = v
		}
	}
	if v, ok := memory[eventloop.PauseKey]; ok {
		in[eventloop.PauseKey] = v
	}
	return in
}

// next chooses where the run goes after spec produced result. An empty id
// ends the run.
func (e *Executor) next(ctx context.Context, spec *NodeSpec, result NodeResult, st *runState) (string, error) {
	if e.graph.IsTerminal(spec.ID) {
		if !result.Success {
			return "", nodeFailure(spec.ID, result)
		}
		return "", nil
	}

	if spec.Kind() == NodeRouter {
		if !result.Success {
			return "", nodeFailure(spec.ID, result)
		}
		route := routeOf(result)
		target, ok := spec.Routes[route]
		if !ok {
			return "", &EdgeResolutionError{FromNode: spec.ID, Route: route}
		}
		observability.LogEdge(e.logger, spec.ID, target, "route:"+route)
		e.publish(ctx, event.EdgeTraversed, event.GraphPayload{RunID: st.runID, NodeID: spec.ID, Target: target, Step: st.steps})
		return target, nil
	}

	edges := e.graph.edges[spec.ID]
	if len(edges) == 0 {
		if !result.Success {
			return "", nodeFailure(spec.ID, result)
		}
		return "", nil
	}
	for _, edge := range edges {
		ok, err := e.holds(ctx, edge, result, st.memory)
		if err != nil {
			return "", &EdgeResolutionError{FromNode: spec.ID, Err: err}
		}
		if ok {
			e.traverse(ctx, st, edge)
			return edge.Target, nil
		}
	}
	if !result.Success {
		return "", nodeFailure(spec.ID, result)
	}
	return "", &EdgeResolutionError{FromNode: spec.ID}
}

func (e *Executor) holds(ctx context.Context, edge compiledEdge, result NodeResult, memory map[string]any) (bool, error) {
	switch edge.Kind() {
	case Always:
		return true, nil
	case OnSuccess:
		return result.Success, nil
	case OnFailure:
		return !result.Success, nil
	case Conditional:
		if e.condition != nil {
			return e.condition(ctx, edge.EdgeSpec, memory, result)
		}
		if edge.expr == nil {
			return false, nil
		}
		return edge.expr.Eval(ConditionVars(memory, result)), nil
	case LLMDecide:
		route := routeOf(result)
		return route != "" && (route == edge.Target || route == edge.ConditionExpr), nil
	default:
		return false, fmt.Errorf("unknown condition %q", edge.Condition)
	}
}

// traverse applies the edge's input mapping to shared memory.
func (e *Executor) traverse(ctx context.Context, st *runState, edge compiledEdge) {
	for _, target := range sortedKeys(edge.InputMapping) {
		if v, ok := st.memory[edge.InputMapping[target]]; ok {
			st.memory[target] = v
		}
	}
	observability.LogEdge(e.logger, edge.Source, edge.Target, string(edge.Kind()))
	e.publish(ctx, event.EdgeTraversed, event.GraphPayload{RunID: st.runID, NodeID: edge.Source, Target: edge.Target, Step: st.steps})
}

func nodeFailure(id string, result NodeResult) error {
	return &NodeError{NodeID: id, Op: "execute", Err: errors.New(result.Error)}
}

// checkpoint persists the run after nodeID completed.
func (e *Executor) checkpoint(ctx context.Context, st *runState, nodeID, next string) error {
	if e.checkpoints == nil {
		return nil
	}
	st.seq++
	cp := checkpoint.New(st.runID, nodeID, st.seq, st.memory, st.visits)
	cp.GraphID = e.graph.ID()
	cp.NextNode = next
	cp.Path = slices.Clone(st.path)
	cp.Steps = st.steps
	cp.TotalTokens = st.tokens
	cp.PausedAt = st.pausedAt

	data, err := cp.Marshal()
	if err == nil {
		err = e.checkpoints.Save(context.WithoutCancel(ctx), cp)
	}
	if err != nil {
		if e.checkpointFatal {
			return &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
		}
		observability.LogCheckpointError(e.logger, nodeID, "save", err)
		return nil
	}

	observability.LogCheckpoint(e.logger, st.runID, nodeID, len(data))
	e.metrics.RecordCheckpoint(ctx, nodeID, int64(len(data)))
	return nil
}

func (e *Executor) publish(ctx context.Context, kind string, payload event.GraphPayload) {
	if err := event.PublishGraph(context.WithoutCancel(ctx), e.bus, kind, payload); err != nil && e.logger != nil {
		e.logger.Debug("publish failed", slog.String("event", kind), slog.String("error", err.Error()))
	}
}
