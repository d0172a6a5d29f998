/*
Package agentflow runs graphs of LLM agent nodes.

# Overview

A graph is a GraphSpec: nodes that read and write keys of a shared memory,
and prioritized edges between them. Compile validates the structure and
the context flow; an Executor runs the compiled graph one node at a time
until a terminal node, a pause node or a failure.

Node types:
  - event_loop: an agentic loop (see the eventloop package) that streams
    model turns, runs tools, records outputs with set_output and asks a
    judge when it is done
  - function: a Go function registered with WithFunction
  - router: a node whose route name picks the next node from its routes

# Basic Usage

Declare the graph in YAML or JSON, or with a Builder:

	spec := agentflow.NewBuilder("essay").
	    Node(agentflow.NodeSpec{ID: "draft", InputKeys: []string{"topic"}, OutputKeys: []string{"draft"},
	        SystemPrompt: "Write a short essay about ${topic}."}).
	    Function("count", []string{"draft"}, []string{"words"}).
	    Edge("draft", "count", agentflow.OnSuccess).
	    Terminal("count").
	    Build()

	cg, err := agentflow.Compile(spec, agentflow.WithInitialInputKeys("topic"))
	if err != nil {
	    log.Fatal(err)
	}
	for _, w := range cg.Warnings() {
	    log.Println(w)
	}

	exec, err := agentflow.NewExecutor(cg,
	    agentflow.WithNodeFactory(&agentflow.EventLoopFactory{Provider: provider}),
	    agentflow.WithFunction("count", countWords))
	if err != nil {
	    log.Fatal(err)
	}
	res, err := exec.Run(ctx, map[string]any{"topic": "Go"})

# Edges

Outgoing edges are evaluated by priority, highest first, ties in
declaration order; the first whose condition holds is taken:

  - always: always holds
  - on_success, on_failure: test the node's result
  - conditional: condition_expr evaluated by the expr package over
    ConditionVars, or by a WithCondition function
  - llm_decide: the node's route names the edge target

An edge with negative priority is a feedback edge. Feedback edges may form
cycles; forward edges may not. Each node runs at most max_node_visits
times per run (default 1, 0 is unlimited). A run that would exceed it
fails with VisitBudgetExceededError.

# Context Flow

Compile checks that every input key of a node is written by a node before
it in forward-edge order, by an input mapping, or by the run input. Keys
that only a feedback edge provides are accepted with a warning, since the
first visit will not see them.

# Checkpointing

With WithCheckpointStore the run is checkpointed after every node:

	store, _ := checkpoint.NewSQLiteStore("./runs.db")
	exec, _ := agentflow.NewExecutor(cg, agentflow.WithCheckpointStore(store), ...)

	res, _ := exec.Run(ctx, input, agentflow.WithRunID("run-123"))
	if res.PausedAt != "" {
	    res, err = exec.Resume(ctx, "run-123",
	        agentflow.WithResumeInput(map[string]any{"answer": "yes"}))
	}

# Error Handling

Node failures are results, not errors. A failed node follows an
on_failure edge if one holds, after up to max_retries_per_node retries;
otherwise the run fails:

	res, err := exec.Run(ctx, input)
	var nodeErr *agentflow.NodeError
	if errors.As(err, &nodeErr) {
	    log.Printf("node %s failed: %v", nodeErr.NodeID, nodeErr.Err)
	}

Panics in nodes are recovered and reported as PanicError text.

# Thread Safety

  - Builder is NOT safe for concurrent use
  - CompiledGraph IS safe for concurrent use (immutable)
  - Executor IS safe for concurrent runs if the registered nodes are
  - eventloop.Node is not reentrant; EventLoopFactory builds one per execution

# Subpackages

  - eventloop: the event loop node, output accumulator and judge
  - conversation: transcript stores (memory, file, SQLite, Badger)
  - checkpoint: run checkpoints (memory, SQLite)
  - llm: the streaming provider contract, mock and Claude CLI provider
  - tool: the tool registry
  - event: run and loop events and the local bus
  - observability: logging, metrics and tracing helpers
*/
package agentflow
