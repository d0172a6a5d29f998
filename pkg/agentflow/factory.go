package agentflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
	"github.com/randalmurphal/agentflow/pkg/agentflow/observability"
	"github.com/randalmurphal/agentflow/pkg/agentflow/tool"
)

// StoreOpener returns the conversation store for a session.
type StoreOpener func(session string) (conversation.Store, error)

// EventLoopFactory builds an *eventloop.Node for each execution of an
// event_loop or router node. Function nodes must be registered with
// WithFunction.
type EventLoopFactory struct {
	Provider llm.Provider
	// Tools holds every tool a node may name; each node is offered only
	// the ones its spec lists.
	Tools *tool.Registry
	// Judge is the default judge. Nil uses the implicit rule.
	Judge eventloop.Judge
	// Judges overrides Judge per node id.
	Judges map[string]eventloop.Judge
	// Loop is the base loop config; a node's loop_config overrides it.
	Loop eventloop.LoopConfig
	// Stores opens a conversation store per session. Nil keeps each
	// conversation in memory.
	Stores StoreOpener

	Bus     event.Publisher
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// OnNode is called with every node built, before it executes. The CLI
	// uses it to feed stdin into client-facing nodes.
	OnNode func(spec NodeSpec, n *eventloop.Node)
}

var _ NodeFactory = (*EventLoopFactory)(nil)

// Check implements nodeChecker: only event_loop and router nodes, and
// only tools the registry has.
func (f *EventLoopFactory) Check(spec NodeSpec) error {
	if k := spec.Kind(); k != NodeEventLoop && k != NodeRouter {
		return fmt.Errorf("%w: %s (%s) needs WithFunction", ErrNoImplementation, spec.ID, k)
	}
	if len(spec.Tools) == 0 {
		return nil
	}
	if f.Tools == nil {
		return fmt.Errorf("node %s: %w: %v", spec.ID, tool.ErrUnknownTool, spec.Tools)
	}
	if _, err := f.Tools.Subset(spec.Tools...); err != nil {
		return fmt.Errorf("node %s: %w", spec.ID, err)
	}
	return nil
}

// NewNode implements NodeFactory.
func (f *EventLoopFactory) NewNode(_ context.Context, spec NodeSpec, info NodeInfo) (Node, error) {
	if err := f.Check(spec); err != nil {
		return nil, err
	}

	opts := []eventloop.Option{
		eventloop.WithLoopConfig(spec.LoopConfig.Apply(f.baseLoop())),
		eventloop.WithBus(f.Bus),
		eventloop.WithLogger(f.Logger),
		eventloop.WithMetrics(f.Metrics),
		eventloop.WithSpans(f.Spans),
	}
	if f.Provider != nil {
		opts = append(opts, eventloop.WithProvider(f.Provider))
	}
	if j := f.judgeFor(spec.ID); j != nil {
		opts = append(opts, eventloop.WithJudge(j))
	}
	if len(spec.Tools) > 0 {
		tools, err := f.Tools.Subset(spec.Tools...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventloop.WithTools(tools.Definitions()...), eventloop.WithToolExecutor(tools))
	}

	var store conversation.Store
	if f.Stores != nil {
		s, err := f.Stores(info.Session(spec.ID))
		if err != nil {
			return nil, fmt.Errorf("open conversation store: %w", err)
		}
		store = s
		opts = append(opts, eventloop.WithStore(s))
	}

	ls := spec.LoopSpec()
	// An event-loop router chooses its route with set_output.
	if spec.Kind() == NodeRouter && !slices.Contains(ls.OutputKeys, RouteKey) {
		ls.OutputKeys = append(ls.OutputKeys, RouteKey)
	}
	n := eventloop.New(ls, opts...)
	if f.OnNode != nil {
		f.OnNode(spec, n)
	}
	return &loopNode{Node: n, store: store}, nil
}

func (f *EventLoopFactory) baseLoop() eventloop.LoopConfig {
	if f.Loop == (eventloop.LoopConfig{}) {
		return eventloop.DefaultLoopConfig()
	}
	return f.Loop
}

func (f *EventLoopFactory) judgeFor(id string) eventloop.Judge {
	if j, ok := f.Judges[id]; ok {
		return j
	}
	return f.Judge
}

// loopNode closes the conversation store the factory opened for it.
type loopNode struct {
	*eventloop.Node
	store conversation.Store
}

func (n *loopNode) Close() error {
	if n.store == nil {
		return nil
	}
	return n.store.Close()
}

// sessionName is "<run>/<node>/<visit>", with "-retry<n>" for retries.
func sessionName(runID, nodeID string, visit, attempt int) string {
	s := runID + "/" + nodeID + "/" + strconv.Itoa(visit)
	if attempt > 1 {
		s += "-retry" + strconv.Itoa(attempt-1)
	}
	return s
}
