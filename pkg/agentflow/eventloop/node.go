package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
	"golang.org/x/sync/errgroup"
)

// PauseKey is the input key that, when truthy, makes Execute return
// success without calling the provider.
const PauseKey = "pause_requested"

// ExternalEventPrefix tags injected events in the transcript.
const ExternalEventPrefix = "[External event]: "

// InterruptedToolCallResult is the error result recorded on restore for a
// tool call whose result was never stored.
const InterruptedToolCallResult = "Tool call interrupted before completion"

// NodeContext is the per-execution input of a node.
type NodeContext struct {
	RunID string
	// Input holds the node's declared input keys read from shared memory.
	Input map[string]any
	// Visit counts executions of this node in the run, starting at 1.
	Visit int
}

// Result is the outcome of one node execution.
type Result struct {
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output"`
	Error      string         `json:"error,omitempty"`
	TokensUsed int            `json:"tokens_used"`
	Path       []string       `json:"path,omitempty"`
	// Route is the route name chosen by a routing node.
	Route   string        `json:"route,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Option configures a Node.
type Option func(*Node)

// WithProvider sets the model provider. Without one Execute fails with
// llm.ErrNoProvider's text.
func WithProvider(p llm.Provider) Option {
	return func(n *Node) { n.provider = p }
}

// WithStore sets the conversation store. Without one each Execute uses a
// fresh in-memory store.
func WithStore(s conversation.Store) Option {
	return func(n *Node) { n.store = s }
}

// WithBus sets where loop events are published.
func WithBus(p event.Publisher) Option {
	return func(n *Node) { n.bus = p }
}

// WithJudge replaces the implicit acceptance rule.
func WithJudge(j Judge) Option {
	return func(n *Node) { n.judge = j }
}

// WithToolExecutor sets the executor for tools other than set_output.
func WithToolExecutor(x ToolExecutor) Option {
	return func(n *Node) { n.executor = x }
}

// WithTools sets the tool definitions offered to the model.
func WithTools(defs ...llm.Tool) Option {
	return func(n *Node) { n.defs = append(n.defs, defs...) }
}

// WithLoopConfig sets the loop bounds.
func WithLoopConfig(cfg LoopConfig) Option {
	return func(n *Node) { n.cfg = cfg.normalized() }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(n *Node) {
		if s != nil {
			n.spans = s
		}
	}
}

// Node runs the agentic loop for one node declaration: stream a turn,
// execute its tool calls, ask the judge, repeat. A Node is not reentrant;
// a concurrent Execute returns ErrNodeBusy.
type Node struct {
	spec     Spec
	provider llm.Provider
	store    conversation.Store
	bus      event.Publisher
	judge    Judge
	executor ToolExecutor
	defs     []llm.Tool
	cfg      LoopConfig
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager

	running atomic.Bool

	mu      sync.Mutex
	pending []string
	// wake holds at most one token; it is a hint to re-check pending.
	wake chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a node for spec.
func New(spec Spec, opts ...Option) *Node {
	n := &Node{
		spec:     spec,
		cfg:      DefaultLoopConfig(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.spec.ID }

// Spec returns the node declaration.
func (n *Node) Spec() Spec { return n.spec }

// InjectEvent queues content for the next turn. It never blocks and may be
// called before or during Execute. A client-facing node waiting for input
// wakes up.
func (n *Node) InjectEvent(content string) {
	n.mu.Lock()
	n.pending = append(n.pending, content)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// SignalShutdown asks the node to stop. A waiting client-facing node
// returns success; a node mid-stream or mid-tool is interrupted and also
// returns success. The signal is permanent for this Node.
func (n *Node) SignalShutdown() {
	n.shutdownOnce.Do(func() { close(n.shutdown) })
}

func (n *Node) shuttingDown() bool {
	select {
	case <-n.shutdown:
		return true
	default:
		return false
	}
}

func (n *Node) takePending() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}

func (n *Node) hasPending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending) > 0
}

// Execute runs the loop to a terminal state. Loop failures are reported in
// Result; the error is non-nil only for ErrNodeBusy.
func (n *Node) Execute(ctx context.Context, nc NodeContext) (Result, error) {
	if !n.running.CompareAndSwap(false, true) {
		return Result{}, ErrNodeBusy
	}
	defer n.running.Store(false)

	start := time.Now()
	logger := n.logger
	if logger != nil {
		logger = logger.With(slog.String("node_id", n.spec.ID), slog.String("run_id", nc.RunID))
	}

	if isTruthy(nc.Input[PauseKey]) {
		if logger != nil {
			logger.Info("pause requested, skipping loop")
		}
		return Result{Success: true, Output: map[string]any{}, Path: []string{n.spec.ID}, Latency: time.Since(start)}, nil
	}
	if n.provider == nil {
		return Result{
			Output:  map[string]any{},
			Error:   llm.ErrNoProvider.Error(),
			Path:    []string{n.spec.ID},
			Latency: time.Since(start),
		}, nil
	}

	store := n.store
	if store == nil {
		store = conversation.NewMemoryStore()
	}

	r := &run{
		n:          n,
		nc:         nc,
		cfg:        n.cfg,
		logger:     logger,
		store:      store,
		transcript: conversation.NewTranscript(store),
		acc:        NewOutputAccumulator(n.spec.OutputKeys, store),
		required:   n.spec.RequiredOutputKeys(),
	}
	res := r.execute(ctx)
	res.Path = []string{n.spec.ID}
	res.Latency = time.Since(start)
	return res, nil
}

// errGraceful ends the loop successfully on shutdown.
var errGraceful = errors.New("shutdown")

// run is the state of one Execute call.
type run struct {
	n          *Node
	nc         NodeContext
	cfg        LoopConfig
	logger     *slog.Logger
	store      conversation.Store
	transcript *conversation.Transcript
	acc        *OutputAccumulator
	required   []string

	system    string
	tools     []llm.Tool
	iteration int
	recent    []string
	tokens    int

	// bg outlives cancellation so persistence and the completion event
	// still happen after a shutdown.
	bg context.Context
}

func (r *run) execute(parent context.Context) Result {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-r.n.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	r.bg = context.WithoutCancel(parent)

	r.tools = append(slices.Clone(r.n.defs), setOutputDefinition(r.n.spec.OutputKeys))

	r.publish(event.LoopStarted, event.LoopPayload{MaxIterations: r.cfg.MaxIterations})

	err := r.renderSystem()
	if err == nil {
		err = r.restore()
	}
	if err == nil {
		err = r.loop(ctx)
	}
	return r.finish(err)
}

func (r *run) renderSystem() error {
	renderer, err := r.cfg.promptRenderer()
	if err != nil {
		return &PromptError{Err: err}
	}
	r.system, err = renderer.Render(r.n.spec.SystemPrompt, r.nc.Input)
	if err != nil {
		return &PromptError{Err: err}
	}
	return nil
}

// restore resumes from the stored cursor or starts a fresh transcript.
func (r *run) restore() error {
	cursor, err := r.store.ReadCursor(r.bg)
	if err != nil {
		return &StoreError{Err: err}
	}

	if cursor == nil {
		if _, err := r.transcript.Append(r.bg, llm.Message{Role: llm.RoleUser, Content: renderInput(r.n.spec.InputKeys, r.nc.Input)}); err != nil {
			return &StoreError{Err: err}
		}
		return r.saveCursor()
	}

	if err := r.transcript.Restore(r.bg, cursor.NextSeq); err != nil {
		return &StoreError{Err: err}
	}
	if dropped := r.acc.Restore(*cursor); len(dropped) > 0 && r.logger != nil {
		r.logger.Warn("dropped undeclared outputs from cursor", slog.Any("keys", dropped))
	}
	r.iteration = cursor.Iteration
	if err := r.closeInterruptedCalls(); err != nil {
		return err
	}
	if r.logger != nil {
		r.logger.Info("restored loop state",
			slog.Int("iteration", r.iteration),
			slog.Int("next_seq", r.transcript.NextSeq()),
			slog.Int("outputs", len(r.acc.Export())),
		)
	}
	return nil
}

// closeInterruptedCalls answers every tool call the restored transcript
// left without a result, so the provider never sees a dangling call. The
// tools are not run again; the model decides whether to repeat them.
func (r *run) closeInterruptedCalls() error {
	open := r.transcript.UnansweredToolCalls()
	for _, call := range open {
		if err := r.append(llm.Message{
			Role:       llm.RoleTool,
			Content:    InterruptedToolCallResult,
			ToolCallID: call.ID,
			IsError:    true,
		}); err != nil {
			return err
		}
	}
	if len(open) > 0 && r.logger != nil {
		r.logger.Warn("closed interrupted tool calls", slog.Int("count", len(open)))
	}
	return nil
}

func (r *run) loop(ctx context.Context) error {
	for r.iteration < r.cfg.MaxIterations {
		if r.n.shuttingDown() {
			return errGraceful
		}
		iteration := r.iteration + 1

		verdict, err := r.iterate(ctx, iteration)
		if err != nil {
			return err
		}

		r.iteration = iteration
		if err := r.saveCursor(); err != nil {
			return err
		}
		if verdict.Action == Accept {
			return nil
		}
	}
	return &IterationBudgetError{Max: r.cfg.MaxIterations}
}

// iterate runs one stream, tool and judge pass.
func (r *run) iterate(parent context.Context, iteration int) (v Verdict, err error) {
	ctx, span := r.n.spans.StartTurnSpan(parent, r.n.spec.ID, iteration)
	defer func() {
		if errors.Is(err, errGraceful) {
			r.n.spans.EndSpanWithError(span, nil)
			return
		}
		r.n.spans.EndSpanWithError(span, err)
	}()

	r.publish(event.LoopIteration, event.LoopPayload{Iteration: iteration})
	r.n.metrics.RecordLoopIteration(r.bg, r.n.spec.ID)

	for _, content := range r.n.takePending() {
		if err := r.append(llm.Message{Role: llm.RoleUser, Content: ExternalEventPrefix + content}); err != nil {
			return Verdict{}, err
		}
	}

	observability.LogLoopIteration(r.logger, r.n.spec.ID, iteration, r.transcript.Len())
	if est := r.transcript.EstimateTokens(); est > r.cfg.MaxHistoryTokens && r.logger != nil {
		r.logger.Warn("conversation history exceeds token budget",
			slog.Int("estimated_tokens", est),
			slog.Int("max_history_tokens", r.cfg.MaxHistoryTokens),
		)
	}

	t, err := r.stream(ctx, iteration)
	if err != nil {
		return Verdict{}, err
	}

	calls := t.ToolCalls
	if limit := r.cfg.MaxToolCallsPerTurn; len(calls) > limit {
		if r.logger != nil {
			dropped := make([]string, 0, len(calls)-limit)
			for _, c := range calls[limit:] {
				dropped = append(dropped, c.Name)
			}
			r.logger.Warn("dropping tool calls over per-turn limit",
				slog.Int("limit", limit), slog.Any("dropped", dropped))
		}
		calls = calls[:limit]
	}
	if err := r.append(llm.Message{Role: llm.RoleAssistant, Content: t.Text, ToolCalls: calls}); err != nil {
		return Verdict{}, err
	}

	if len(calls) == 0 && r.n.spec.ClientFacing && !r.n.shuttingDown() {
		if !r.waitForClient(ctx, iteration) {
			return Verdict{}, errGraceful
		}
	}

	if len(calls) > 0 {
		results, err := r.runTools(ctx, calls)
		if err != nil {
			return Verdict{}, err
		}
		for i, call := range calls {
			if err := r.append(llm.Message{
				Role:       llm.RoleTool,
				Content:    results[i].Content,
				ToolCallID: call.ID,
				IsError:    results[i].IsError,
			}); err != nil {
				return Verdict{}, err
			}
		}
		if r.n.shuttingDown() {
			return Verdict{}, errGraceful
		}
	}

	v, err = r.evaluate(ctx, JudgeContext{
		Iteration: iteration,
		Text:      t.Text,
		ToolCalls: calls,
		Outputs:   r.acc.Export(),
		Missing:   r.acc.Missing(r.required),
		Spec:      r.n.spec,
	})
	if err != nil {
		return Verdict{}, err
	}

	switch v.Action {
	case Accept:
		return v, nil
	case Escalate:
		return v, &EscalationError{Feedback: v.Feedback}
	}

	if v.Feedback != "" {
		if err := r.append(llm.Message{Role: llm.RoleUser, Content: v.Feedback}); err != nil {
			return Verdict{}, err
		}
	}
	if r.stalled(t.Text) {
		return v, &StallError{Count: r.cfg.StallDetectionThreshold}
	}
	return v, nil
}

// stream opens a turn and consumes it, forwarding text deltas to the bus.
func (r *run) stream(parent context.Context, iteration int) (turn, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ch, err := r.n.provider.Stream(ctx, llm.StreamRequest{
		Messages:  r.transcript.Messages(),
		System:    r.system,
		Tools:     r.tools,
		MaxTokens: r.cfg.MaxTokens,
	})
	if err != nil {
		if ierr := r.interrupted(parent); ierr != nil {
			return turn{}, ierr
		}
		return turn{}, &StreamError{Err: err}
	}

	kind := event.InternalTextDelta
	if r.n.spec.ClientFacing {
		kind = event.ClientOutputDelta
	}

	t, err := consumeStream(ctx, ch, streamSink{
		onText: func(content, snapshot string) {
			r.publish(kind, event.LoopPayload{Iteration: iteration, Content: content, Snapshot: snapshot})
		},
		onRecoverable: func(err error) {
			if r.logger != nil {
				r.logger.Warn("recoverable stream error", slog.String("error", err.Error()))
			}
		},
	})
	if err != nil {
		var se *StreamError
		if errors.As(err, &se) {
			return turn{}, err
		}
		if ierr := r.interrupted(parent); ierr != nil {
			return turn{}, ierr
		}
		return turn{}, &StreamError{Err: err}
	}
	if ierr := r.interrupted(parent); ierr != nil {
		return turn{}, ierr
	}

	r.tokens += t.InputTokens + t.OutputTokens
	r.n.metrics.RecordTokens(r.bg, r.n.spec.ID, t.InputTokens, t.OutputTokens)
	return t, nil
}

// interrupted classifies a suspension point that ended because ctx did.
// It returns nil when ctx is still live.
func (r *run) interrupted(ctx context.Context) error {
	if r.n.shuttingDown() {
		return errGraceful
	}
	if err := ctx.Err(); err != nil {
		return &CancelledError{Err: err}
	}
	return nil
}

// waitForClient blocks a client-facing node until an event is injected.
// It returns false when shutdown or cancellation ended the wait.
func (r *run) waitForClient(ctx context.Context, iteration int) bool {
	r.publish(event.ClientInputRequested, event.LoopPayload{Iteration: iteration})
	if r.logger != nil {
		r.logger.Debug("waiting for client input")
	}
	for {
		if r.n.hasPending() {
			return true
		}
		select {
		case <-r.n.wake:
		case <-r.n.shutdown:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// runTools executes calls and returns their results in call order.
// set_output runs inline; other tools run concurrently. Only a store
// failure while recording an output is fatal.
func (r *run) runTools(ctx context.Context, calls []llm.ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxToolCallsPerTurn)

	var storeErr error
	for i, call := range calls {
		if call.Name == SetOutputTool {
			res, err := r.setOutput(call)
			if err != nil && storeErr == nil {
				storeErr = err
			}
			results[i] = res
			continue
		}
		g.Go(func() error {
			results[i] = r.callTool(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	if storeErr != nil {
		return nil, storeErr
	}
	return results, nil
}

// setOutput handles one set_output call. Bad arguments and undeclared keys
// are reported to the model; the error return is a store failure.
func (r *run) setOutput(call llm.ToolCall) (ToolResult, error) {
	start := time.Now()
	args, err := parseSetOutput(call.Arguments)
	if err != nil {
		observability.LogToolCall(r.logger, r.n.spec.ID, SetOutputTool, msSince(start), true)
		return ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if err := r.acc.Set(r.bg, args.Key, args.Value); err != nil {
		observability.LogToolCall(r.logger, r.n.spec.ID, SetOutputTool, msSince(start), true)
		r.n.metrics.RecordToolCall(r.bg, r.n.spec.ID, SetOutputTool, time.Since(start), true)
		if errors.Is(err, ErrUnknownOutputKey) {
			return ToolResult{Content: invalidOutputKey(args.Key, r.acc.Keys()).Error(), IsError: true}, nil
		}
		return ToolResult{}, &StoreError{Err: err}
	}

	observability.LogToolCall(r.logger, r.n.spec.ID, SetOutputTool, msSince(start), false)
	r.n.metrics.RecordToolCall(r.bg, r.n.spec.ID, SetOutputTool, time.Since(start), false)
	return ToolResult{Content: fmt.Sprintf("Output %q recorded.", args.Key)}, nil
}

// callTool runs a non-builtin tool. Failures and panics become is_error
// results.
func (r *run) callTool(ctx context.Context, call llm.ToolCall) (res ToolResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{Content: fmt.Sprintf("Tool %s panicked: %v", call.Name, p), IsError: true}
		}
		observability.LogToolCall(r.logger, r.n.spec.ID, call.Name, msSince(start), res.IsError)
		r.n.metrics.RecordToolCall(r.bg, r.n.spec.ID, call.Name, time.Since(start), res.IsError)
	}()

	if r.n.executor == nil {
		return ToolResult{Content: "No tool executor configured for " + call.Name, IsError: true}
	}
	out, err := r.n.executor.Execute(ctx, call)
	if err != nil {
		return ToolResult{Content: "Tool error: " + err.Error(), IsError: true}
	}
	return out
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

// evaluate asks the judge, or applies the implicit rule, and enforces
// that ACCEPT needs every required key.
func (r *run) evaluate(ctx context.Context, jc JudgeContext) (Verdict, error) {
	var v Verdict
	if r.n.judge == nil {
		v = implicitVerdict(jc)
	} else {
		var err error
		v, err = r.n.judge.Evaluate(ctx, jc)
		if err != nil {
			if ierr := r.interrupted(ctx); ierr != nil {
				return Verdict{}, ierr
			}
			return Verdict{}, &JudgeError{Err: err}
		}
		if parsed, ok := ParseAction(string(v.Action)); ok {
			v.Action = parsed
		} else {
			return Verdict{}, &JudgeError{Err: fmt.Errorf("unknown verdict action %q", v.Action)}
		}
	}

	if v.Action == Accept && len(jc.Missing) > 0 {
		v = Verdict{Action: Retry, Feedback: missingKeysFeedback(jc.Missing)}
	}

	observability.LogVerdict(r.logger, r.n.spec.ID, jc.Iteration, string(v.Action), v.Feedback)
	r.n.metrics.RecordVerdict(r.bg, r.n.spec.ID, string(v.Action))
	return v, nil
}

// stalled records text and reports whether the last threshold responses
// were identical and non-empty.
func (r *run) stalled(text string) bool {
	threshold := r.cfg.StallDetectionThreshold
	if threshold <= 0 {
		return false
	}
	r.recent = append(r.recent, text)
	if len(r.recent) > threshold {
		r.recent = r.recent[len(r.recent)-threshold:]
	}
	if len(r.recent) < threshold || r.recent[0] == "" {
		return false
	}
	for _, s := range r.recent[1:] {
		if s != r.recent[0] {
			return false
		}
	}
	return true
}

// append writes a part through to the store and then the cursor.
func (r *run) append(msg llm.Message) error {
	if _, err := r.transcript.Append(r.bg, msg); err != nil {
		return &StoreError{Err: err}
	}
	return r.saveCursor()
}

func (r *run) saveCursor() error {
	if err := r.store.WriteCursor(r.bg, conversation.Cursor{
		Iteration: r.iteration,
		NextSeq:   r.transcript.NextSeq(),
		Outputs:   r.acc.Export(),
	}); err != nil {
		return &StoreError{Err: err}
	}
	return nil
}

// finish publishes loop_completed and builds the result.
func (r *run) finish(err error) Result {
	res := Result{
		Success:    err == nil || errors.Is(err, errGraceful),
		Output:     r.acc.Export(),
		TokensUsed: r.tokens,
	}
	if !res.Success {
		res.Error = err.Error()
		if r.logger != nil {
			r.logger.Warn("loop failed", slog.Int("iteration", r.iteration), slog.String("error", res.Error))
		}
	} else if errors.Is(err, errGraceful) && r.logger != nil {
		r.logger.Info("loop ended by shutdown", slog.Int("iteration", r.iteration))
	}

	r.publish(event.LoopCompleted, event.LoopPayload{
		Iteration: r.iteration,
		Success:   res.Success,
		Error:     res.Error,
	})
	return res
}

func (r *run) publish(kind string, payload event.LoopPayload) {
	payload.NodeID = r.n.spec.ID
	var opts []event.EventOption
	if r.nc.RunID != "" {
		opts = append(opts, event.WithCorrelationID(r.nc.RunID))
	}
	if err := event.PublishLoop(r.bg, r.n.bus, kind, payload, opts...); err != nil && r.logger != nil {
		r.logger.Warn("publish loop event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

// renderInput builds the first user message: declared inputs in order,
// then any other keys sorted.
func renderInput(keys []string, input map[string]any) string {
	if len(input) == 0 {
		return "Begin."
	}
	var b strings.Builder
	seen := make(map[string]bool, len(keys))
	line := func(k string) {
		if v, ok := input[k]; ok {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
		seen[k] = true
	}
	for _, k := range keys {
		line(k)
	}
	rest := slices.Sorted(maps.Keys(input))
	for _, k := range rest {
		if !seen[k] && k != PauseKey {
			line(k)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// isTruthy follows the loose truthiness of decoded JSON and YAML inputs.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
