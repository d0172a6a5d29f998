package agentflow

import (
	"slices"

	"github.com/randalmurphal/agentflow/pkg/agentflow/expr"
)

// compiledEdge is an edge with its condition expression parsed.
type compiledEdge struct {
	EdgeSpec
	expr *expr.Expr
}

// CompiledGraph is an immutable, validated graph.
// It is created by Compile.
//
// CompiledGraph is thread-safe and can back any number of executors and
// concurrent runs.
type CompiledGraph struct {
	spec     GraphSpec
	nodes    map[string]*NodeSpec
	edges    map[string][]compiledEdge
	order    []string
	terminal map[string]bool
	pause    map[string]bool
	warnings []string

	// externalConditions marks conditions left unparsed by
	// WithConditionCompiler.
	externalConditions bool
}

func newCompiledGraph(spec GraphSpec, nodes map[string]*NodeSpec, edges map[string][]compiledEdge, order, warnings []string) *CompiledGraph {
	cg := &CompiledGraph{
		spec:     spec,
		nodes:    nodes,
		edges:    edges,
		order:    order,
		terminal: make(map[string]bool, len(spec.TerminalNodes)),
		pause:    make(map[string]bool, len(spec.PauseNodes)),
		warnings: warnings,
	}
	for _, id := range spec.TerminalNodes {
		cg.terminal[id] = true
	}
	for _, id := range spec.PauseNodes {
		cg.pause[id] = true
	}
	return cg
}

// ID returns the graph id.
func (cg *CompiledGraph) ID() string { return cg.spec.ID }

// Spec returns the graph declaration.
func (cg *CompiledGraph) Spec() GraphSpec { return cg.spec }

// Warnings returns the problems Compile found that do not stop a run.
func (cg *CompiledGraph) Warnings() []string { return slices.Clone(cg.warnings) }

// hasConditionalEdges reports whether any edge is CONDITIONAL.
func (cg *CompiledGraph) hasConditionalEdges() bool {
	for _, e := range cg.spec.Edges {
		if e.Kind() == Conditional {
			return true
		}
	}
	return false
}

// EntryNode returns the default entry node id.
func (cg *CompiledGraph) EntryNode() string { return cg.spec.EntryNode }

// EntryPoint resolves a named entry point.
func (cg *CompiledGraph) EntryPoint(name string) (string, bool) {
	id, ok := cg.spec.EntryPoints[name]
	return id, ok
}

// NodeIDs returns all node ids in declaration order.
func (cg *CompiledGraph) NodeIDs() []string {
	ids := make([]string, 0, len(cg.spec.Nodes))
	for _, n := range cg.spec.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Node returns a node declaration.
func (cg *CompiledGraph) Node(id string) (NodeSpec, bool) {
	n, ok := cg.nodes[id]
	if !ok {
		return NodeSpec{}, false
	}
	return *n, true
}

// HasNode checks if a node exists in the graph.
func (cg *CompiledGraph) HasNode(id string) bool {
	_, ok := cg.nodes[id]
	return ok
}

// Edges returns the outgoing edges of id in evaluation order: priority
// descending, ties in declaration order.
func (cg *CompiledGraph) Edges(id string) []EdgeSpec {
	out := make([]EdgeSpec, 0, len(cg.edges[id]))
	for _, e := range cg.edges[id] {
		out = append(out, e.EdgeSpec)
	}
	return out
}

// Order returns the node ids in topological order over forward edges.
func (cg *CompiledGraph) Order() []string { return slices.Clone(cg.order) }

// IsTerminal reports whether the run ends after id.
func (cg *CompiledGraph) IsTerminal(id string) bool { return cg.terminal[id] }

// IsPauseNode reports whether the run pauses after id.
func (cg *CompiledGraph) IsPauseNode(id string) bool { return cg.pause[id] }
