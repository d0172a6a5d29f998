package eventloop

import (
	"context"
	"strings"

	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// Action is the decision in a judge Verdict.
type Action string

const (
	// Accept ends the loop successfully.
	Accept Action = "ACCEPT"
	// Retry runs another iteration, feeding the verdict feedback back.
	Retry Action = "RETRY"
	// Replan is handled like Retry but logged and counted separately.
	Replan Action = "REPLAN"
	// Escalate ends the loop with a failure naming the feedback.
	Escalate Action = "ESCALATE"
)

// ParseAction maps a case-insensitive action name to an Action.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case Accept, Retry, Replan, Escalate:
		return a, true
	default:
		return "", false
	}
}

// Verdict is a judge's decision for one iteration.
type Verdict struct {
	Action   Action `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// JudgeContext is everything a judge sees about the iteration just run.
type JudgeContext struct {
	Iteration int
	Text      string
	ToolCalls []llm.ToolCall
	Outputs   map[string]any
	// Missing lists the non-nullable output keys still unset.
	Missing []string
	Spec    Spec
}

// Judge decides whether a node's loop is done.
type Judge interface {
	Evaluate(ctx context.Context, jc JudgeContext) (Verdict, error)
}

// JudgeFunc adapts a function to the Judge interface.
type JudgeFunc func(ctx context.Context, jc JudgeContext) (Verdict, error)

// Evaluate calls f.
func (f JudgeFunc) Evaluate(ctx context.Context, jc JudgeContext) (Verdict, error) {
	return f(ctx, jc)
}

// implicitVerdict is used when no judge is configured: accept a turn with
// no tool calls once every required key is set.
func implicitVerdict(jc JudgeContext) Verdict {
	if len(jc.Missing) > 0 {
		return Verdict{Action: Retry, Feedback: missingKeysFeedback(jc.Missing)}
	}
	if len(jc.ToolCalls) > 0 {
		return Verdict{Action: Retry}
	}
	return Verdict{Action: Accept}
}
