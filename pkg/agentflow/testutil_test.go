package agentflow

import (
	"context"
	"errors"
	"sync"

	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
)

// Helper node functions

// produce is a node that succeeds with a copy of output.
func produce(output map[string]any) NodeFunc {
	return func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		out := make(map[string]any, len(output))
		for k, v := range output {
			out[k] = v
		}
		return NodeResult{Success: true, Output: out}, nil
	}
}

// fail is a node that returns a failed result with msg.
func fail(msg string) NodeFunc {
	return func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		return NodeResult{Error: msg}, nil
	}
}

// routeTo is a router node function choosing route.
func routeTo(route string) NodeFunc {
	return func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		return NodeResult{Success: true, Route: route}, nil
	}
}

// tracker records node executions and the inputs each one saw.
type tracker struct {
	mu     sync.Mutex
	calls  []string
	inputs []map[string]any
	visits []int
}

// wrap records the execution and then runs fn.
func (t *tracker) wrap(id string, fn NodeFunc) NodeFunc {
	return func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		t.mu.Lock()
		t.calls = append(t.calls, id)
		t.inputs = append(t.inputs, nc.Input)
		t.visits = append(t.visits, nc.Visit)
		t.mu.Unlock()
		return fn(ctx, nc)
	}
}

func (t *tracker) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// syncPublisher hands every event straight to a collector, so tests can
// assert on order without waiting for a bus.
type syncPublisher struct {
	c *event.Collector
}

func newSyncPublisher() *syncPublisher {
	return &syncPublisher{c: event.NewCollector()}
}

func (p *syncPublisher) Publish(ctx context.Context, evt event.Event) error {
	return p.c.Handle(ctx, evt)
}

// graphEvents returns the graph payloads of the given kind.
func (p *syncPublisher) graphEvents(kind string) []event.GraphPayload {
	var out []event.GraphPayload
	for _, e := range p.c.OfType(kind) {
		if gp, ok := e.Data().(event.GraphPayload); ok {
			out = append(out, gp)
		}
	}
	return out
}

var errStoreDown = errors.New("store down")

// mustExecutor compiles spec and creates an executor or panics.
func mustExecutor(spec GraphSpec, opts ...ExecutorOption) *Executor {
	cg, err := Compile(spec)
	if err != nil {
		panic(err)
	}
	exec, err := NewExecutor(cg, opts...)
	if err != nil {
		panic(err)
	}
	return exec
}
