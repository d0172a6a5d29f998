package eventloop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeBusy is returned by Execute when the node is already running.
	ErrNodeBusy = errors.New("eventloop: node is already executing")

	// ErrUnknownOutputKey is returned when setting a key the node does not
	// declare.
	ErrUnknownOutputKey = errors.New("unknown output key")
)

// The error types below render into NodeResult.Error. Their Error text is
// stable; callers match on it.

// StreamError is a fatal provider stream failure.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "Stream error: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// StallError reports identical consecutive responses.
type StallError struct {
	Count int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("Node stalled: %d identical responses", e.Count)
}

// IterationBudgetError reports that MaxIterations passed without an ACCEPT.
type IterationBudgetError struct {
	Max int
}

func (e *IterationBudgetError) Error() string {
	return fmt.Sprintf("Max iterations (%d) reached without acceptance", e.Max)
}

// EscalationError carries the feedback of an ESCALATE verdict.
type EscalationError struct {
	Feedback string
}

func (e *EscalationError) Error() string { return "Judge escalated: " + e.Feedback }

// StoreError wraps a conversation store failure.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "Store error: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// PromptError reports a system prompt that could not be rendered.
type PromptError struct {
	Err error
}

func (e *PromptError) Error() string { return "Prompt error: " + e.Err.Error() }
func (e *PromptError) Unwrap() error { return e.Err }

// JudgeError wraps an error returned by a Judge.
type JudgeError struct {
	Err error
}

func (e *JudgeError) Error() string { return "Judge error: " + e.Err.Error() }
func (e *JudgeError) Unwrap() error { return e.Err }

// CancelledError reports that the caller's context ended the loop outside
// a client wait.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string { return "Execution cancelled: " + e.Err.Error() }
func (e *CancelledError) Unwrap() error { return e.Err }

// ToolArgumentError is fed back to the model as a tool-error result and
// never ends the loop.
type ToolArgumentError struct {
	Tool    string
	Message string
}

func (e *ToolArgumentError) Error() string { return e.Message }

func invalidOutputKey(key string, valid []string) *ToolArgumentError {
	return &ToolArgumentError{
		Tool:    SetOutputTool,
		Message: fmt.Sprintf("Invalid output key %q. Valid keys: %s", key, formatKeys(valid)),
	}
}

func missingKeysFeedback(missing []string) string {
	return "Missing required output keys: " + formatKeys(missing)
}

func formatKeys(keys []string) string {
	return "[" + strings.Join(keys, ", ") + "]"
}
