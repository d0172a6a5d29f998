package agentflow

import (
	"context"

	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
)

// NodeContext is the per-execution input of a node: the run id, a copy of
// the node's declared inputs and the visit number.
type NodeContext = eventloop.NodeContext

// NodeResult is the outcome of one node execution.
type NodeResult = eventloop.Result

// RouteKey is the output key a node may set to choose a route when it does
// not fill NodeResult.Route itself.
const RouteKey = "route"

// Node executes one graph node. *eventloop.Node implements it.
//
// A returned error is turned into a failed result; it never aborts the run
// by itself.
type Node interface {
	Execute(ctx context.Context, nc NodeContext) (NodeResult, error)
}

// NodeFunc adapts a Go function to the Node interface. It is how function
// nodes are implemented.
//
// Example:
//
//	summarize := agentflow.NodeFunc(func(ctx context.Context, nc agentflow.NodeContext) (agentflow.NodeResult, error) {
//	    text, _ := nc.Input["text"].(string)
//	    return agentflow.NodeResult{Success: true, Output: map[string]any{"summary": text[:10]}}, nil
//	})
type NodeFunc func(ctx context.Context, nc NodeContext) (NodeResult, error)

// Execute calls f.
func (f NodeFunc) Execute(ctx context.Context, nc NodeContext) (NodeResult, error) {
	return f(ctx, nc)
}

// ConditionFunc decides a CONDITIONAL edge. memory is the shared memory
// after the source node's output was merged.
type ConditionFunc func(ctx context.Context, edge EdgeSpec, memory map[string]any, result NodeResult) (bool, error)

// NodeInfo identifies one execution of a node for a NodeFactory.
type NodeInfo struct {
	RunID   string
	Visit   int
	Attempt int
}

// Session names the conversation of this execution. A resumed run that
// re-executes a node gets the same session and so the same transcript.
func (i NodeInfo) Session(nodeID string) string {
	return sessionName(i.RunID, nodeID, i.Visit, i.Attempt)
}

// NodeFactory builds nodes that were not registered with WithNode or
// WithFunction. It is called once per execution.
type NodeFactory interface {
	NewNode(ctx context.Context, spec NodeSpec, info NodeInfo) (Node, error)
}

// NodeFactoryFunc adapts a function to the NodeFactory interface.
type NodeFactoryFunc func(ctx context.Context, spec NodeSpec, info NodeInfo) (Node, error)

// NewNode calls f.
func (f NodeFactoryFunc) NewNode(ctx context.Context, spec NodeSpec, info NodeInfo) (Node, error) {
	return f(ctx, spec, info)
}

// nodeChecker is implemented by factories that can reject a node
// declaration before any run starts.
type nodeChecker interface {
	Check(spec NodeSpec) error
}
