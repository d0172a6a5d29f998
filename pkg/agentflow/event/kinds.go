package event

import "context"

// Event types published by event-loop nodes.
const (
	LoopStarted          = "loop_started"
	LoopIteration        = "loop_iteration"
	LoopCompleted        = "loop_completed"
	InternalTextDelta    = "internal_text_delta"
	ClientOutputDelta    = "client_output_delta"
	ClientInputRequested = "client_input_requested"
)

// Event types published by the graph executor.
const (
	RunStarted    = "run_started"
	NodeStarted   = "node_started"
	NodeCompleted = "node_completed"
	EdgeTraversed = "edge_traversed"
	RunCompleted  = "run_completed"
)

// LoopKinds lists every event type a node loop publishes.
var LoopKinds = []string{
	LoopStarted, LoopIteration, LoopCompleted,
	InternalTextDelta, ClientOutputDelta, ClientInputRequested,
}

// LoopPayload is the payload of every loop event. Fields that do not apply
// to a kind are left zero.
type LoopPayload struct {
	NodeID    string `json:"node_id"`
	Iteration int    `json:"iteration"`

	// Text deltas.
	Content  string `json:"content,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`

	// loop_started.
	MaxIterations int `json:"max_iterations,omitempty"`

	// loop_completed.
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GraphPayload is the payload of executor events.
type GraphPayload struct {
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id,omitempty"`
	Target  string `json:"target,omitempty"`
	Step    int    `json:"step,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Publisher is the publishing half of a Bus.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublishLoop publishes a loop event from nodeID. A nil publisher is a
// no-op so nodes can run without a bus.
func PublishLoop(ctx context.Context, p Publisher, kind string, payload LoopPayload, opts ...EventOption) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, New(kind, payload.NodeID, payload, opts...))
}

// PublishGraph publishes an executor event correlated to the run.
func PublishGraph(ctx context.Context, p Publisher, kind string, payload GraphPayload) error {
	if p == nil {
		return nil
	}
	return p.Publish(ctx, New(kind, "executor", payload, WithCorrelationID(payload.RunID)))
}
