package eventloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// SetOutputTool is the implicit tool every node offers for recording a
// declared output value.
const SetOutputTool = "set_output"

var setOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"key": {"type": "string", "description": "One of the node's declared output keys"},
		"value": {"description": "The value to record"}
	},
	"required": ["key", "value"]
}`)

// setOutputDefinition describes set_output, naming the valid keys.
func setOutputDefinition(keys []string) llm.Tool {
	desc := "Record a value for one of this step's output keys."
	if len(keys) > 0 {
		desc += " Valid keys: " + strings.Join(keys, ", ") + "."
	}
	return llm.Tool{Name: SetOutputTool, Description: desc, Parameters: setOutputSchema}
}

// ToolResult is what a tool call returns to the model.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolExecutor runs the tools a node offers other than set_output. An
// error is reported to the model as an is_error result.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) (ToolResult, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, call llm.ToolCall) (ToolResult, error)

// Execute calls f.
func (f ToolExecutorFunc) Execute(ctx context.Context, call llm.ToolCall) (ToolResult, error) {
	return f(ctx, call)
}

type setOutputArgs struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// parseSetOutput decodes set_output arguments. A value that is itself a
// JSON document in a string is kept as the string.
func parseSetOutput(raw json.RawMessage) (setOutputArgs, error) {
	var args setOutputArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, &ToolArgumentError{Tool: SetOutputTool, Message: fmt.Sprintf("Invalid set_output arguments: %v", err)}
	}
	if args.Key == "" {
		return args, &ToolArgumentError{Tool: SetOutputTool, Message: "set_output requires a non-empty \"key\""}
	}
	return args, nil
}
