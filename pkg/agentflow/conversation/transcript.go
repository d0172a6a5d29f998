package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// Transcript assigns sequence numbers to new parts and writes each one
// through to its store before returning.
type Transcript struct {
	mu      sync.Mutex
	store   Store
	parts   []Part
	nextSeq int
	now     func() time.Time
}

// NewTranscript starts an empty transcript over store.
func NewTranscript(store Store) *Transcript {
	return &Transcript{store: store, now: time.Now}
}

// Restore loads persisted parts and continues numbering at nextSeq. The
// cursor's nextSeq wins over the log so numbering never goes backwards,
// even if the cursor was written after a part that is now missing.
func (t *Transcript) Restore(ctx context.Context, nextSeq int) error {
	parts, err := t.store.ReadParts(ctx)
	if err != nil {
		return fmt.Errorf("restore transcript: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts = parts
	t.nextSeq = nextSeq
	if n := len(parts); n > 0 && parts[n-1].Seq >= t.nextSeq {
		t.nextSeq = parts[n-1].Seq + 1
	}
	return nil
}

// UnansweredToolCalls returns the tool calls of the last assistant part
// that no later tool part answers, in call order. A run stopped between
// recording a turn and recording its tool results leaves these behind.
func (t *Transcript) UnansweredToolCalls() []llm.ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := -1
	for i := len(t.parts) - 1; i >= 0; i-- {
		if t.parts[i].Role == llm.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(t.parts[last].ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, p := range t.parts[last+1:] {
		if p.Role == llm.RoleTool {
			answered[p.ToolCallID] = true
		}
	}
	var open []llm.ToolCall
	for _, tc := range t.parts[last].ToolCalls {
		if !answered[tc.ID] {
			open = append(open, tc)
		}
	}
	return open
}

// Append persists a part built from msg and returns it with its seq.
func (t *Transcript) Append(ctx context.Context, msg llm.Message) (Part, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	part := Part{
		Seq:        t.nextSeq,
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		IsError:    msg.IsError,
		CreatedAt:  t.now().UTC(),
	}
	if err := t.store.AppendPart(ctx, part); err != nil {
		return Part{}, err
	}
	t.parts = append(t.parts, part)
	t.nextSeq++
	return part, nil
}

// NextSeq is the seq the next appended part will receive.
func (t *Transcript) NextSeq() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextSeq
}

// Len returns the number of parts.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parts)
}

// Messages renders the whole transcript for a provider.
func (t *Transcript) Messages() []llm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]llm.Message, len(t.parts))
	for i, p := range t.parts {
		out[i] = p.Message()
	}
	return out
}

// EstimateTokens is a rough size estimate, four characters per token.
func (t *Transcript) EstimateTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	chars := 0
	for _, p := range t.parts {
		chars += len(p.Content)
		for _, tc := range p.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}
