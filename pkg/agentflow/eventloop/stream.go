package eventloop

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// turn is the consumed result of one provider stream.
type turn struct {
	Text         string
	ToolCalls    []llm.ToolCall
	StopReason   string
	Model        string
	InputTokens  int
	OutputTokens int
}

// partialCall collects the fragments of one tool call.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// streamSink receives what the consumer forwards while reading.
type streamSink struct {
	onText        func(content, snapshot string)
	onRecoverable func(err error)
}

// consumeStream reads ch until it closes or a Finish arrives. Tool-call
// fragments are grouped by index and only turned into calls at the end.
// A non-recoverable Error returns a *StreamError; ctx ending returns the
// context error unwrapped.
func consumeStream(ctx context.Context, ch <-chan llm.StreamEvent, sink streamSink) (turn, error) {
	var (
		t        turn
		text     strings.Builder
		fullText string
		haveFull bool
		partials = map[int]*partialCall{}
	)

	finish := func() turn {
		if haveFull {
			t.Text = fullText
		} else {
			t.Text = text.String()
		}
		t.ToolCalls = finalizeCalls(partials)
		return t
	}

	for {
		select {
		case <-ctx.Done():
			return turn{}, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return finish(), nil
			}
			switch ev.Type {
			case llm.EventTextDelta:
				text.WriteString(ev.Content)
				if sink.onText != nil {
					snapshot := ev.Snapshot
					if snapshot == "" {
						snapshot = text.String()
					}
					sink.onText(ev.Content, snapshot)
				}
			case llm.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				p, ok := partials[ev.ToolCall.Index]
				if !ok {
					p = &partialCall{}
					partials[ev.ToolCall.Index] = p
				}
				if ev.ToolCall.ID != "" {
					p.id = ev.ToolCall.ID
				}
				if ev.ToolCall.Name != "" {
					p.name = ev.ToolCall.Name
				}
				p.args.WriteString(ev.ToolCall.Arguments)
			case llm.EventTextEnd:
				fullText, haveFull = ev.Content, true
			case llm.EventFinish:
				t.StopReason = ev.StopReason
				t.Model = ev.Model
				t.InputTokens += ev.InputTokens
				t.OutputTokens += ev.OutputTokens
				return finish(), nil
			case llm.EventError:
				err := ev.Err
				if err == nil {
					err = errors.New("provider reported an error")
				}
				if !ev.Recoverable {
					return turn{}, &StreamError{Err: err}
				}
				if sink.onRecoverable != nil {
					sink.onRecoverable(err)
				}
			}
		}
	}
}

// finalizeCalls orders calls by stream index and fills gaps: a missing
// id gets a positional one, empty arguments become an empty object, and
// arguments that are not valid JSON are kept as a JSON string so the call
// can still be persisted and answered with an error.
func finalizeCalls(partials map[int]*partialCall) []llm.ToolCall {
	if len(partials) == 0 {
		return nil
	}
	idx := make([]int, 0, len(partials))
	for i := range partials {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	calls := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		p := partials[i]
		id := p.id
		if id == "" {
			id = "call_" + strconv.Itoa(i)
		}
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		} else if !json.Valid([]byte(args)) {
			quoted, _ := json.Marshal(args)
			args = string(quoted)
		}
		calls = append(calls, llm.ToolCall{ID: id, Name: p.name, Arguments: json.RawMessage(args)})
	}
	return calls
}
