// Package eventloop implements the agentic loop behind every LLM node.
//
// A Node streams one model turn at a time, runs the tool calls in it, and
// asks a Judge whether the node is done. Values the model records through
// the built-in set_output tool land in an OutputAccumulator; when the loop
// ends they become the node's output.
//
// Each transcript part and each output write goes to a conversation.Store
// before the loop moves on, together with a cursor of counters, so a node
// re-created over the same store resumes where it stopped.
//
// InjectEvent and SignalShutdown are safe to call from any goroutine while
// Execute runs. A client-facing node waits for an injected event after
// every text-only turn.
package eventloop
