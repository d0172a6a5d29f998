package agentflow

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/randalmurphal/agentflow/pkg/agentflow/expr"
	"github.com/randalmurphal/agentflow/pkg/agentflow/template"
)

// CompileOption configures Compile.
type CompileOption func(*compileConfig)

type compileConfig struct {
	initialKeys    []string
	hasInitialKeys bool

	// externalConditions is set by WithConditionCompiler.
	externalConditions bool
	checkCondition     func(string) error
}

// WithInitialInputKeys declares the keys the run input will provide. With
// it, an entry node reading any other key is a compile error; without it
// such reads are only warnings.
func WithInitialInputKeys(keys ...string) CompileOption {
	return func(c *compileConfig) {
		c.initialKeys = append(c.initialKeys, keys...)
		c.hasInitialKeys = true
	}
}

// WithConditionCompiler hands condition_expr to another grammar. Compile
// no longer parses it with the expr package; check, if non-nil, validates
// each expression instead, and an error from it is a compile error. The
// graph then needs an executor built WithCondition.
func WithConditionCompiler(check func(conditionExpr string) error) CompileOption {
	return func(c *compileConfig) {
		c.externalConditions = true
		c.checkCondition = check
	}
}

// Compile validates spec and creates an executable CompiledGraph.
// Every violation is returned, joined with errors.Join. Problems that do
// not stop a run are collected in CompiledGraph.Warnings.
//
// Validation checks:
//  1. Struct tags (required ids, known types and conditions, budgets)
//  2. Unique node ids; entry node, entry points, terminal and pause nodes exist
//  3. Edge endpoints and router routes exist; conditional edges have a valid expression
//  4. nullable_output_keys is a subset of output_keys
//  5. Every node is reachable from an entry
//  6. Fan-out from one node never targets two client-facing nodes or
//     event-loop nodes writing the same key
//  7. Context flow: every input key is written upstream along forward edges
func Compile(spec GraphSpec, opts ...CompileOption) (*CompiledGraph, error) {
	var cfg compileConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.Nodes = slices.Clone(spec.Nodes)
	spec.Edges = slices.Clone(spec.Edges)

	c := &compiler{spec: spec, cfg: cfg, nodes: make(map[string]*NodeSpec, len(spec.Nodes))}
	c.indexNodes()
	c.checkNodeLists()
	c.checkNodes()
	edges := c.checkEdges()
	c.checkReachability()
	c.checkDeadEnds(edges)
	c.checkFanOut(edges)
	order := c.checkContextFlow()

	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	cg := newCompiledGraph(spec, c.nodes, edges, order, c.warnings)
	cg.externalConditions = cfg.externalConditions
	return cg, nil
}

type compiler struct {
	spec     GraphSpec
	cfg      compileConfig
	nodes    map[string]*NodeSpec
	errs     []error
	warnings []string
}

func (c *compiler) fail(err error) { c.errs = append(c.errs, err) }

func (c *compiler) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *compiler) has(id string) bool {
	_, ok := c.nodes[id]
	return ok
}

func (c *compiler) indexNodes() {
	for i := range c.spec.Nodes {
		n := &c.spec.Nodes[i]
		if c.has(n.ID) {
			c.fail(fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID))
			continue
		}
		c.nodes[n.ID] = n
	}
}

func (c *compiler) checkNodeLists() {
	if !c.has(c.spec.EntryNode) {
		c.fail(fmt.Errorf("%w: %s", ErrEntryNotFound, c.spec.EntryNode))
	}
	for _, name := range sortedKeys(c.spec.EntryPoints) {
		if id := c.spec.EntryPoints[name]; !c.has(id) {
			c.fail(fmt.Errorf("%w: entry point %q targets %s", ErrEntryNotFound, name, id))
		}
	}
	for _, id := range c.spec.TerminalNodes {
		if !c.has(id) {
			c.fail(fmt.Errorf("%w: terminal node %s", ErrNodeNotFound, id))
		}
	}
	for _, id := range c.spec.PauseNodes {
		if !c.has(id) {
			c.fail(fmt.Errorf("%w: pause node %s", ErrNodeNotFound, id))
		}
	}
}

func (c *compiler) checkNodes() {
	for _, n := range c.spec.Nodes {
		if n.Deprecated() {
			c.warn("node %s uses deprecated type %q; use %q instead", n.ID, n.Type, NodeEventLoop)
		}
		var invalid []string
		for _, k := range n.NullableOutputKeys {
			if !slices.Contains(n.OutputKeys, k) {
				invalid = append(invalid, k)
			}
		}
		if len(invalid) > 0 {
			c.fail(fmt.Errorf("%w: node %s: nullable_output_keys %v must be a subset of output_keys %v",
				ErrInvalidOutputs, n.ID, invalid, n.OutputKeys))
		}
		if n.Kind() == NodeRouter {
			if len(n.Routes) == 0 {
				c.fail(fmt.Errorf("%w: router %s has no routes", ErrInvalidRouter, n.ID))
			}
			for _, route := range sortedKeys(n.Routes) {
				if target := n.Routes[route]; !c.has(target) {
					c.fail(fmt.Errorf("%w: router %s route %q targets %s", ErrNodeNotFound, n.ID, route, target))
				}
			}
		}
		if n.Kind() == NodeEventLoop {
			for _, ref := range template.References(n.SystemPrompt) {
				if !slices.Contains(n.InputKeys, ref) {
					c.warn("node %s system prompt references ${%s}, which is not an input key", n.ID, ref)
				}
			}
		}
	}
}

// checkEdges validates every edge and returns the outgoing edges of each
// node ordered by priority, highest first, ties in declaration order.
func (c *compiler) checkEdges() map[string][]compiledEdge {
	out := make(map[string][]compiledEdge)
	for _, e := range c.spec.Edges {
		ok := true
		if !c.has(e.Source) {
			c.fail(fmt.Errorf("%w: edge %s source %s", ErrNodeNotFound, e.label(), e.Source))
			ok = false
		}
		if !c.has(e.Target) {
			c.fail(fmt.Errorf("%w: edge %s target %s", ErrNodeNotFound, e.label(), e.Target))
			ok = false
		}

		ce := compiledEdge{EdgeSpec: e}
		if e.Kind() == Conditional {
			compiled, err := c.compileCondition(e.ConditionExpr)
			if err != nil {
				c.fail(fmt.Errorf("%w: edge %s: %v", ErrInvalidCondition, e.label(), err))
				ok = false
			}
			ce.expr = compiled
		}
		if !ok {
			continue
		}

		if e.IsFeedback() && c.nodes[e.Target].VisitBudget() == 1 {
			c.warn("feedback edge %s targets %s, which has max_node_visits=1; consider raising it", e.label(), e.Target)
		}
		if c.nodes[e.Source].Kind() == NodeRouter {
			c.warn("edge %s leaves router %s; routers follow their routes and ignore edges", e.label(), e.Source)
		}
		out[e.Source] = append(out[e.Source], ce)
	}
	for id := range out {
		sort.SliceStable(out[id], func(i, j int) bool {
			return out[id][i].Priority > out[id][j].Priority
		})
	}
	return out
}

// compileCondition parses src with the expr package, or only checks it
// when conditions belong to another grammar. The returned Expr is nil in
// that case.
func (c *compiler) compileCondition(src string) (*expr.Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("conditional edge needs condition_expr")
	}
	if !c.cfg.externalConditions {
		return expr.Compile(src)
	}
	if c.cfg.checkCondition != nil {
		return nil, c.cfg.checkCondition(src)
	}
	return nil, nil
}

// successors lists every node a run can move to from id.
func (c *compiler) successors(id string) []string {
	n := c.nodes[id]
	if n.Kind() == NodeRouter {
		var next []string
		for _, route := range sortedKeys(n.Routes) {
			next = append(next, n.Routes[route])
		}
		return next
	}
	var next []string
	for _, e := range c.spec.Edges {
		if e.Source == id {
			next = append(next, e.Target)
		}
	}
	return next
}

func (c *compiler) checkReachability() {
	if !c.has(c.spec.EntryNode) {
		return
	}
	starts := []string{c.spec.EntryNode}
	for _, name := range sortedKeys(c.spec.EntryPoints) {
		if id := c.spec.EntryPoints[name]; c.has(id) {
			starts = append(starts, id)
		}
	}

	reachable := make(map[string]bool)
	queue := starts
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if reachable[current] {
			continue
		}
		reachable[current] = true
		for _, next := range c.successors(current) {
			if c.has(next) && !reachable[next] {
				queue = append(queue, next)
			}
		}
	}

	for _, n := range c.spec.Nodes {
		if !reachable[n.ID] {
			c.fail(fmt.Errorf("%w: %s", ErrUnreachableNode, n.ID))
		}
	}
}

func (c *compiler) checkDeadEnds(edges map[string][]compiledEdge) {
	for _, n := range c.spec.Nodes {
		if n.Kind() == NodeRouter || slices.Contains(c.spec.TerminalNodes, n.ID) {
			continue
		}
		if len(edges[n.ID]) == 0 {
			c.warn("node %s has no outgoing edges and is not terminal; the run ends after it", n.ID)
		}
	}
}

// checkFanOut looks at nodes with several ON_SUCCESS or ALWAYS edges at
// the same priority.
func (c *compiler) checkFanOut(edges map[string][]compiledEdge) {
	for _, source := range sortedKeys(edges) {
		groups := make(map[int][]string)
		for _, e := range edges[source] {
			if k := e.Kind(); k == OnSuccess || k == Always {
				groups[e.Priority] = append(groups[e.Priority], e.Target)
			}
		}
		for _, prio := range sortedKeys(groups) {
			targets := groups[prio]
			if len(targets) < 2 {
				continue
			}
			var facing []string
			writers := make(map[string]string)
			for _, t := range targets {
				n := c.nodes[t]
				if n.ClientFacing {
					facing = append(facing, t)
				}
				if n.Kind() != NodeEventLoop {
					continue
				}
				for _, k := range n.OutputKeys {
					if prev, ok := writers[k]; ok && prev != t {
						c.fail(fmt.Errorf("%w: fan-out from %s: event_loop nodes %s and %s both write %q",
							ErrFanOutConflict, source, prev, t, k))
						continue
					}
					writers[k] = t
				}
			}
			if len(facing) > 1 {
				c.fail(fmt.Errorf("%w: fan-out from %s targets several client_facing nodes %v",
					ErrFanOutConflict, source, facing))
			}
		}
	}
}

// checkContextFlow computes, in topological order over forward edges, the
// keys available to each node and checks its input_keys against them.
// Keys only a feedback edge provides are warnings. It returns the order.
func (c *compiler) checkContextFlow() []string {
	forward := make(map[string][]string)
	feedback := make(map[string][]string)
	mapped := make(map[string][]string)
	fbMapped := make(map[string][]string)
	for _, e := range c.spec.Edges {
		if !c.has(e.Source) || !c.has(e.Target) || c.nodes[e.Source].Kind() == NodeRouter {
			continue
		}
		if e.IsFeedback() {
			feedback[e.Target] = append(feedback[e.Target], e.Source)
			fbMapped[e.Target] = append(fbMapped[e.Target], sortedKeys(e.InputMapping)...)
			continue
		}
		forward[e.Target] = append(forward[e.Target], e.Source)
		mapped[e.Target] = append(mapped[e.Target], sortedKeys(e.InputMapping)...)
	}
	for _, n := range c.spec.Nodes {
		if n.Kind() != NodeRouter {
			continue
		}
		for _, route := range sortedKeys(n.Routes) {
			if t := n.Routes[route]; c.has(t) {
				forward[t] = append(forward[t], n.ID)
			}
		}
	}

	available := make(map[string]map[string]bool)
	var order []string
	remaining := make([]string, 0, len(c.spec.Nodes))
	for _, n := range c.spec.Nodes {
		if !slices.Contains(remaining, n.ID) {
			remaining = append(remaining, n.ID)
		}
	}
	for len(remaining) > 0 {
		progressed := false
		for i, id := range remaining {
			if !allIn(forward[id], available) {
				continue
			}
			keys := make(map[string]bool)
			for _, k := range c.cfg.initialKeys {
				keys[k] = true
			}
			for _, dep := range forward[id] {
				for _, k := range c.nodes[dep].OutputKeys {
					keys[k] = true
				}
				for k := range available[dep] {
					keys[k] = true
				}
			}
			for _, k := range mapped[id] {
				keys[k] = true
			}
			available[id] = keys
			order = append(order, id)
			remaining = slices.Delete(remaining, i, i+1)
			progressed = true
			break
		}
		if !progressed {
			c.fail(fmt.Errorf("%w through %v; give the back edge a negative priority", ErrForwardCycle, remaining))
			break
		}
	}

	for _, id := range order {
		n := c.nodes[id]
		var missing, viaFeedback []string
		for _, k := range n.InputKeys {
			if available[id][k] {
				continue
			}
			if c.feedbackProvides(id, k, feedback, fbMapped, available) {
				viaFeedback = append(viaFeedback, k)
			} else {
				missing = append(missing, k)
			}
		}
		if len(viaFeedback) > 0 {
			c.warn("node %s inputs %v are only provided by feedback edges from %v; they are available on revisits, not on the first execution",
				id, viaFeedback, feedback[id])
		}
		if len(missing) == 0 {
			continue
		}
		if len(forward[id]) == 0 && !c.cfg.hasInitialKeys {
			c.warn("node %s requires %v from the run input", id, missing)
			continue
		}
		c.fail(fmt.Errorf("%w: node %s requires %v but its dependencies %v do not provide them%s",
			ErrContextFlow, id, missing, forward[id], c.producers(missing)))
	}
	return order
}

func (c *compiler) feedbackProvides(id, key string, feedback, fbMapped map[string][]string, available map[string]map[string]bool) bool {
	if slices.Contains(fbMapped[id], key) {
		return true
	}
	for _, src := range feedback[id] {
		if slices.Contains(c.nodes[src].OutputKeys, key) || available[src][key] {
			return true
		}
	}
	return false
}

func (c *compiler) producers(keys []string) string {
	var hints []string
	for _, k := range keys {
		var by []string
		for _, n := range c.spec.Nodes {
			if slices.Contains(n.OutputKeys, k) {
				by = append(by, n.ID)
			}
		}
		if len(by) > 0 {
			hints = append(hints, fmt.Sprintf("%q is written by %v", k, by))
		}
	}
	if len(hints) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%s; add an edge)", strings.Join(hints, "; "))
}

func allIn(ids []string, done map[string]map[string]bool) bool {
	for _, id := range ids {
		if _, ok := done[id]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys[K ~string | ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
