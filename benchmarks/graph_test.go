package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/randalmurphal/agentflow/pkg/agentflow"
)

// passThrough succeeds and writes the next key in the chain.
func passThrough(key string) agentflow.NodeFunc {
	return func(ctx context.Context, nc agentflow.NodeContext) (agentflow.NodeResult, error) {
		return agentflow.NodeResult{Success: true, Output: map[string]any{key: nc.Visit}}, nil
	}
}

func nodeID(i int) string { return fmt.Sprintf("node-%d", i) }

// buildLinearSpec chains n function nodes; node i reads the key node i-1
// writes.
func buildLinearSpec(n int) agentflow.GraphSpec {
	b := agentflow.NewBuilder("linear")
	for i := 0; i < n; i++ {
		var inputs []string
		if i > 0 {
			inputs = []string{nodeID(i - 1)}
		}
		b.Function(nodeID(i), inputs, []string{nodeID(i)})
		if i > 0 {
			b.Edge(nodeID(i-1), nodeID(i), agentflow.OnSuccess)
		}
	}
	return b.Terminal(nodeID(n - 1)).Build()
}

// buildBranchingSpec fans one node out to n conditional branches that
// merge into a join node.
func buildBranchingSpec(n int) agentflow.GraphSpec {
	b := agentflow.NewBuilder("branching").Function("start", nil, []string{"choice"})
	for i := 0; i < n; i++ {
		b.Function(nodeID(i), nil, []string{"result"})
		b.When("start", nodeID(i), fmt.Sprintf("choice == %d", i))
		b.Edge(nodeID(i), "join", agentflow.OnSuccess)
	}
	return b.Function("join", []string{"result"}, nil).Terminal("join").Build()
}

func linearFunctions(n int) []agentflow.ExecutorOption {
	opts := make([]agentflow.ExecutorOption, 0, n)
	for i := 0; i < n; i++ {
		opts = append(opts, agentflow.WithFunction(nodeID(i), passThrough(nodeID(i))))
	}
	return opts
}

func mustCompile(b *testing.B, spec agentflow.GraphSpec) *agentflow.CompiledGraph {
	b.Helper()
	cg, err := agentflow.Compile(spec)
	if err != nil {
		b.Fatal(err)
	}
	return cg
}

// BenchmarkBuild_Linear_100 measures building a 100-node spec.
func BenchmarkBuild_Linear_100(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = buildLinearSpec(100)
	}
}

// BenchmarkCompile_Linear sizes the compile pass on chains.
func BenchmarkCompile_Linear(b *testing.B) {
	for _, n := range []int{10, 100, 500} {
		spec := buildLinearSpec(n)
		b.Run(fmt.Sprintf("nodes=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := agentflow.Compile(spec); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkCompile_Branching measures compile with wide fan-out.
func BenchmarkCompile_Branching(b *testing.B) {
	spec := buildBranchingSpec(50)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := agentflow.Compile(spec); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkParseGraphSpec_YAML measures decoding and validating a file.
func BenchmarkParseGraphSpec_YAML(b *testing.B) {
	data := []byte(`id: review
entry_node: draft
terminal_nodes: [publish]
nodes:
  - id: draft
    output_keys: [draft]
    max_node_visits: 3
  - id: review
    input_keys: [draft]
    output_keys: [approved]
    max_node_visits: 3
  - id: publish
    type: function
    input_keys: [draft]
edges:
  - {source: draft, target: review, condition: on_success}
  - {source: review, target: publish, condition: conditional, condition_expr: approved}
  - {source: review, target: draft, condition: always, priority: -1}
`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := agentflow.ParseGraphSpec(data, ".yaml"); err != nil {
			b.Fatal(err)
		}
	}
}
