package llm

import (
	"context"
	"encoding/json"
)

// Provider opens streaming model turns.
//
// The returned channel is closed by the provider when the turn ends. A
// well-behaved provider ends every successful turn with a Finish event.
// Cancelling ctx must make the provider stop sending and close the channel.
type Provider interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
}

// EventType discriminates StreamEvent.
type EventType string

// Stream event kinds.
const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventTextEnd   EventType = "text_end"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// StreamEvent is a single item of a streaming turn. Only the fields that
// belong to Type are populated.
type StreamEvent struct {
	Type EventType

	// TextDelta / TextEnd
	Content  string
	Snapshot string

	// ToolCall
	ToolCall *ToolCallDelta

	// Finish
	StopReason   string
	InputTokens  int
	OutputTokens int
	Model        string

	// Error
	Err         error
	Recoverable bool
}

// ToolCallDelta is a fragment of a tool call. Fragments sharing an Index
// belong to the same call; ID and Name arrive once, Arguments are
// concatenated in arrival order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// TextDelta builds a text fragment event.
func TextDelta(content, snapshot string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Content: content, Snapshot: snapshot}
}

// TextEnd builds the end-of-text event carrying the full text.
func TextEnd(full string) StreamEvent {
	return StreamEvent{Type: EventTextEnd, Content: full}
}

// ToolCallFragment builds a tool call fragment event.
func ToolCallFragment(index int, id, name, arguments string) StreamEvent {
	return StreamEvent{
		Type:     EventToolCall,
		ToolCall: &ToolCallDelta{Index: index, ID: id, Name: name, Arguments: arguments},
	}
}

// CompleteToolCall builds a single-fragment tool call with JSON-encoded input.
func CompleteToolCall(index int, id, name string, input any) StreamEvent {
	args, err := json.Marshal(input)
	if err != nil {
		args = []byte("{}")
	}
	return ToolCallFragment(index, id, name, string(args))
}

// Finish builds the end-of-turn event.
func Finish(stopReason string, inputTokens, outputTokens int, model string) StreamEvent {
	return StreamEvent{
		Type:         EventFinish,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        model,
	}
}

// StreamFailure builds an error event.
func StreamFailure(err error, recoverable bool) StreamEvent {
	return StreamEvent{Type: EventError, Err: err, Recoverable: recoverable}
}
