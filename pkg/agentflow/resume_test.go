package agentflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
)

// failingStore fails every Save or Latest.
type failingStore struct {
	*checkpoint.MemoryStore
	saveErr   error
	latestErr error
}

func (s *failingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, cp)
}

func (s *failingStore) Latest(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return s.MemoryStore.Latest(ctx, runID)
}

func pauseGraph() GraphSpec {
	return NewBuilder("interview").
		Node(fn("ask", nil, keys("question", "reply"))).
		Node(fn("answer", keys("question", "reply"), keys("summary"))).
		Edge("ask", "answer", OnSuccess).
		PauseAt("ask").
		Terminal("answer").
		Build()
}

func pauseExecutor(store checkpoint.Store, tr *tracker) *Executor {
	answer := func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		reply, _ := nc.Input["reply"].(string)
		return NodeResult{Success: true, Output: map[string]any{"summary": nc.Input["question"].(string) + " " + reply}}, nil
	}
	return mustExecutor(pauseGraph(),
		WithFunction("ask", tr.wrap("ask", produce(map[string]any{"question": "favourite language?", "asked": 1}))),
		WithFunction("answer", tr.wrap("answer", answer)),
		WithCheckpointStore(store),
	)
}

func TestResume_PauseAndContinue(t *testing.T) {
	stores := map[string]func(t *testing.T) checkpoint.Store{
		"memory": func(t *testing.T) checkpoint.Store { return checkpoint.NewMemoryStore() },
		"sqlite": func(t *testing.T) checkpoint.Store {
			s, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
			require.NoError(t, err)
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()

			var tr tracker
			exec := pauseExecutor(store, &tr)
			ctx := context.Background()

			res, err := exec.Run(ctx, nil, WithRunID("run-1"))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, "ask", res.PausedAt)
			assert.Equal(t, "answer", res.NextNode)
			assert.Equal(t, []string{"ask"}, tr.Calls())

			res, err = exec.Resume(ctx, "run-1", WithResumeInput(map[string]any{"reply": "go"}))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Empty(t, res.PausedAt)
			assert.Equal(t, "favourite language? go", res.Output["summary"])
			assert.Equal(t, []string{"ask", "answer"}, res.Path)
			assert.Equal(t, 2, res.Steps)
			assert.Equal(t, []string{"ask", "answer"}, tr.Calls())
			// Memory went through JSON.
			assert.Equal(t, float64(1), res.Output["asked"])

			infos, err := store.List(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, "ask", infos[0].PausedAt)
			assert.Equal(t, "answer", infos[1].NodeID)
			assert.Empty(t, infos[1].NextNode)

			_, err = exec.Resume(ctx, "run-1")
			assert.ErrorIs(t, err, ErrRunFinished)
		})
	}
}

func TestResume_AfterFailure(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	calls := 0
	flaky := func(ctx context.Context, nc NodeContext) (NodeResult, error) {
		calls++
		if calls == 1 {
			return NodeResult{Error: "provider down"}, nil
		}
		return NodeResult{Success: true, Output: map[string]any{"report": nc.Input["findings"]}}, nil
	}
	spec := NewBuilder("research").
		Node(fn("search", nil, keys("findings"))).
		Node(fn("report", keys("findings"), keys("report"))).
		Edge("search", "report", OnSuccess).
		Terminal("report").
		Build()
	var tr tracker
	exec := mustExecutor(spec,
		WithFunction("search", tr.wrap("search", produce(map[string]any{"findings": "f"}))),
		WithFunction("report", flaky),
		WithCheckpointStore(store),
	)
	ctx := context.Background()

	res, err := exec.Run(ctx, nil, WithRunID("run-2"))
	require.Error(t, err)
	assert.False(t, res.Success)

	res, err = exec.Resume(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "f", res.Output["report"])
	assert.Equal(t, []string{"search"}, tr.Calls(), "completed nodes are not re-run")
	assert.Equal(t, map[string]int{"search": 1, "report": 1}, res.Visits)
}

func TestResume_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("no store", func(t *testing.T) {
		var tr tracker
		exec := mustExecutor(pauseGraph(),
			WithFunction("ask", tr.wrap("ask", produce(nil))),
			WithFunction("answer", produce(nil)),
		)
		_, err := exec.Resume(ctx, "run")
		assert.ErrorIs(t, err, ErrNoCheckpointStore)
	})

	t.Run("unknown run", func(t *testing.T) {
		var tr tracker
		_, err := pauseExecutor(checkpoint.NewMemoryStore(), &tr).Resume(ctx, "missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("load failure", func(t *testing.T) {
		var tr tracker
		store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), latestErr: errStoreDown}
		_, err := pauseExecutor(store, &tr).Resume(ctx, "run")
		var cpErr *CheckpointError
		require.ErrorAs(t, err, &cpErr)
		assert.Equal(t, "load", cpErr.Op)
		assert.ErrorIs(t, err, errStoreDown)
	})

	t.Run("node no longer in graph", func(t *testing.T) {
		var tr tracker
		store := checkpoint.NewMemoryStore()
		cp := checkpoint.New("run", "ask", 1, nil, nil)
		cp.NextNode = "ghost"
		require.NoError(t, store.Save(ctx, cp))

		_, err := pauseExecutor(store, &tr).Resume(ctx, "run")
		assert.ErrorIs(t, err, ErrInvalidResumeNode)
	})
}

func TestCheckpoint_SaveFailures(t *testing.T) {
	spec := NewBuilder("g").Node(fn("a", nil, nil)).Node(fn("b", nil, nil)).Edge("a", "b", Always).Terminal("b").Build()

	t.Run("logged by default", func(t *testing.T) {
		store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), saveErr: errStoreDown}
		exec := mustExecutor(spec, WithFunction("a", produce(nil)), WithFunction("b", produce(nil)), WithCheckpointStore(store))

		res, err := exec.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("fatal when configured", func(t *testing.T) {
		store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), saveErr: errStoreDown}
		exec := mustExecutor(spec,
			WithFunction("a", produce(nil)), WithFunction("b", produce(nil)),
			WithCheckpointStore(store), WithCheckpointFailureFatal(true),
		)

		res, err := exec.Run(context.Background(), nil)
		var cpErr *CheckpointError
		require.ErrorAs(t, err, &cpErr)
		assert.Equal(t, "a", cpErr.NodeID)
		assert.Equal(t, "save", cpErr.Op)
		assert.Equal(t, []string{"a"}, res.Path)
	})
}

func TestCheckpoint_OnePerNode(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	spec := NewBuilder("g").Node(fn("a", nil, nil)).Node(fn("b", nil, nil)).Edge("a", "b", Always).Terminal("b").Build()
	exec := mustExecutor(spec, WithFunction("a", produce(nil)), WithFunction("b", produce(nil)), WithCheckpointStore(store))

	_, err := exec.Run(context.Background(), map[string]any{"k": "v"}, WithRunID("r"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	cp, err := store.Latest(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, "g", cp.GraphID)
	assert.Equal(t, 2, cp.Sequence)
	assert.True(t, cp.Finished())
	assert.Equal(t, "v", cp.Memory["k"])
	assert.Equal(t, []string{"a", "b"}, cp.Path)
}
