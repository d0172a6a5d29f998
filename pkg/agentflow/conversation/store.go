// Package conversation persists an event-loop node's transcript and
// cursor snapshot.
//
// A Store is an append-only log of sequenced parts plus a single cursor.
// Every write is durable when the call returns; restoring a node reads
// counters and outputs from the cursor and uses the log only to rebuild
// the messages sent to the model.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// Part is one persisted transcript entry.
type Part struct {
	Seq        int            `json:"seq"`
	Role       llm.Role       `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Message converts the part to a provider message.
func (p Part) Message() llm.Message {
	return llm.Message{
		Role:       p.Role,
		Content:    p.Content,
		ToolCalls:  p.ToolCalls,
		ToolCallID: p.ToolCallID,
		IsError:    p.IsError,
	}
}

// Cursor is the snapshot used for crash recovery.
type Cursor struct {
	Iteration int            `json:"iteration"`
	NextSeq   int            `json:"next_seq"`
	Outputs   map[string]any `json:"outputs"`
}

// Clone returns a deep-enough copy: the outputs map is copied, values are shared.
func (c Cursor) Clone() Cursor {
	out := Cursor{Iteration: c.Iteration, NextSeq: c.NextSeq}
	if c.Outputs != nil {
		out.Outputs = make(map[string]any, len(c.Outputs))
		for k, v := range c.Outputs {
			out.Outputs[k] = v
		}
	}
	return out
}

// Store persists one conversation. Implementations must be safe for
// concurrent use.
type Store interface {
	// AppendPart adds a part. Its Seq must be greater than every stored
	// part's Seq, otherwise ErrOutOfOrder is returned.
	AppendPart(ctx context.Context, part Part) error

	// ReadParts returns every part ordered by Seq.
	ReadParts(ctx context.Context) ([]Part, error)

	// ReadCursor returns the stored cursor, or nil if none was written.
	ReadCursor(ctx context.Context) (*Cursor, error)

	// WriteCursor replaces the stored cursor.
	WriteCursor(ctx context.Context, cursor Cursor) error

	// Close releases resources. Further calls return ErrStoreClosed.
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("conversation store closed")

	// ErrOutOfOrder indicates a part was appended with a non-increasing Seq.
	ErrOutOfOrder = errors.New("part sequence out of order")
)
