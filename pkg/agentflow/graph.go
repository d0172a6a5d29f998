package agentflow

import (
	"fmt"
	"strings"
)

// Builder constructs a GraphSpec in code. Use NewBuilder, chain Node, Edge
// and Entry calls, then Build or Compile.
//
// Builder is NOT thread-safe. Structural problems other than the ones
// AddNode panics on are reported by Compile.
//
// Example:
//
//	spec := agentflow.NewBuilder("essay").
//	    Node(agentflow.NodeSpec{ID: "draft", OutputKeys: []string{"draft"}}).
//	    Node(agentflow.NodeSpec{ID: "review", InputKeys: []string{"draft"}}).
//	    Edge("draft", "review", agentflow.OnSuccess).
//	    Entry("draft").
//	    Terminal("review").
//	    Build()
type Builder struct {
	spec GraphSpec
	ids  map[string]bool
}

// NewBuilder creates a builder for graph id.
func NewBuilder(id string) *Builder {
	return &Builder{spec: GraphSpec{ID: id}, ids: make(map[string]bool)}
}

// Goal sets the graph goal.
func (b *Builder) Goal(goal string) *Builder {
	b.spec.Goal = goal
	return b
}

// Node adds a node. The first node added becomes the entry node unless
// Entry is called.
//
// Panics if:
//   - the id is empty
//   - the id contains whitespace
//   - the id already exists in the graph
func (b *Builder) Node(n NodeSpec) *Builder {
	if n.ID == "" {
		panic("agentflow: node ID cannot be empty")
	}
	if strings.ContainsAny(n.ID, " \t\n\r") {
		panic("agentflow: node ID cannot contain whitespace")
	}
	if b.ids[n.ID] {
		panic(fmt.Sprintf("agentflow: duplicate node ID: %s", n.ID))
	}
	b.ids[n.ID] = true
	b.spec.Nodes = append(b.spec.Nodes, n)
	if b.spec.EntryNode == "" {
		b.spec.EntryNode = n.ID
	}
	return b
}

// Function adds a function node that reads inputs and writes outputs.
func (b *Builder) Function(id string, inputs, outputs []string) *Builder {
	return b.Node(NodeSpec{ID: id, Type: NodeFunction, InputKeys: inputs, OutputKeys: outputs})
}

// Router adds a router node with its routes.
func (b *Builder) Router(id string, routes map[string]string) *Builder {
	return b.Node(NodeSpec{ID: id, Type: NodeRouter, Routes: routes})
}

// Edge adds an edge with priority 0. Edge validation happens at Compile
// time, so edges can be added in any order.
func (b *Builder) Edge(from, to string, cond Condition) *Builder {
	return b.EdgeSpec(EdgeSpec{Source: from, Target: to, Condition: cond})
}

// When adds a CONDITIONAL edge guarded by expr.
func (b *Builder) When(from, to, expr string) *Builder {
	return b.EdgeSpec(EdgeSpec{Source: from, Target: to, Condition: Conditional, ConditionExpr: expr})
}

// Feedback adds an ALWAYS edge with priority -1.
func (b *Builder) Feedback(from, to string) *Builder {
	return b.EdgeSpec(EdgeSpec{Source: from, Target: to, Condition: Always, Priority: -1})
}

// EdgeSpec adds a fully specified edge. An empty id is filled as
// "source->target".
func (b *Builder) EdgeSpec(e EdgeSpec) *Builder {
	if e.ID == "" {
		e.ID = e.Source + "->" + e.Target
	}
	b.spec.Edges = append(b.spec.Edges, e)
	return b
}

// Entry sets the entry node.
func (b *Builder) Entry(id string) *Builder {
	b.spec.EntryNode = id
	return b
}

// EntryPoint adds a named alternative entry.
func (b *Builder) EntryPoint(name, id string) *Builder {
	if b.spec.EntryPoints == nil {
		b.spec.EntryPoints = make(map[string]string)
	}
	b.spec.EntryPoints[name] = id
	return b
}

// Terminal marks nodes that end the run.
func (b *Builder) Terminal(ids ...string) *Builder {
	b.spec.TerminalNodes = append(b.spec.TerminalNodes, ids...)
	return b
}

// PauseAt marks nodes after which the run pauses.
func (b *Builder) PauseAt(ids ...string) *Builder {
	b.spec.PauseNodes = append(b.spec.PauseNodes, ids...)
	return b
}

// MaxSteps sets max_steps.
func (b *Builder) MaxSteps(n int) *Builder {
	b.spec.MaxSteps = n
	return b
}

// MaxRetriesPerNode sets max_retries_per_node.
func (b *Builder) MaxRetriesPerNode(n int) *Builder {
	b.spec.MaxRetriesPerNode = n
	return b
}

// Build returns the GraphSpec built so far.
func (b *Builder) Build() GraphSpec {
	return b.spec
}

// Compile builds and compiles the GraphSpec.
func (b *Builder) Compile(opts ...CompileOption) (*CompiledGraph, error) {
	return Compile(b.spec, opts...)
}
