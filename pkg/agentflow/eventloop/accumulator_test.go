package eventloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
)

// cursorFailStore fails every cursor write.
type cursorFailStore struct {
	conversation.Store
}

func (cursorFailStore) WriteCursor(context.Context, conversation.Cursor) error {
	return errors.New("read-only")
}

func TestOutputAccumulator_Set(t *testing.T) {
	ctx := context.Background()
	acc := NewOutputAccumulator([]string{"summary", "score"}, nil)

	require.NoError(t, acc.Set(ctx, "summary", "short"))
	require.NoError(t, acc.Set(ctx, "summary", "longer"))

	v, ok := acc.Get("summary")
	assert.True(t, ok)
	assert.Equal(t, "longer", v)

	err := acc.Set(ctx, "other", 1)
	assert.ErrorIs(t, err, ErrUnknownOutputKey)
	_, ok = acc.Get("other")
	assert.False(t, ok)

	assert.Equal(t, []string{"score"}, acc.Missing([]string{"summary", "score"}))
	assert.False(t, acc.Complete([]string{"summary", "score"}))
	assert.True(t, acc.Complete([]string{"summary"}))
	assert.Equal(t, []string{"summary", "score"}, acc.Keys())
}

func TestOutputAccumulator_ExportIsACopy(t *testing.T) {
	acc := NewOutputAccumulator([]string{"a"}, nil)
	require.NoError(t, acc.Set(context.Background(), "a", 1))

	out := acc.Export()
	out["a"] = 2
	out["b"] = 3

	v, _ := acc.Get("a")
	assert.Equal(t, 1, v)
	assert.Len(t, acc.Export(), 1)
}

func TestOutputAccumulator_WritesThrough(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	require.NoError(t, store.WriteCursor(ctx, conversation.Cursor{Iteration: 4, NextSeq: 9}))

	acc := NewOutputAccumulator([]string{"a"}, store)
	require.NoError(t, acc.Set(ctx, "a", "x"))

	cur, err := store.ReadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Iteration)
	assert.Equal(t, 9, cur.NextSeq)
	assert.Equal(t, map[string]any{"a": "x"}, cur.Outputs)
}

func TestOutputAccumulator_RollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	acc := NewOutputAccumulator([]string{"a"}, cursorFailStore{Store: conversation.NewMemoryStore()})

	err := acc.Set(ctx, "a", "x")
	require.Error(t, err)
	_, ok := acc.Get("a")
	assert.False(t, ok)
}

func TestOutputAccumulator_Restore(t *testing.T) {
	acc := NewOutputAccumulator([]string{"result"}, nil)

	dropped := acc.Restore(conversation.Cursor{Outputs: map[string]any{
		"result": "partial_value",
		"zeta":   1,
		"alpha":  2,
	}})

	assert.Equal(t, []string{"alpha", "zeta"}, dropped)
	assert.Equal(t, map[string]any{"result": "partial_value"}, acc.Export())
}
