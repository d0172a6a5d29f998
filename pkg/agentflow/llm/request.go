package llm

import (
	"encoding/json"
)

// StreamRequest is one model turn.
type StreamRequest struct {
	// Messages is the transcript so far, oldest first. The system prompt
	// travels in System.
	Messages  []Message
	System    string
	Tools     []Tool
	MaxTokens int
}

// Message is a conversation turn sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls are the calls an assistant message issued.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool result that reports a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Role identifies the message sender.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool is a tool definition offered to the model. Parameters is a JSON
// Schema object.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a complete tool invocation issued by the model. Arguments
// is the raw JSON the model produced and may be invalid.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
