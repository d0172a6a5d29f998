package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/agentflow/pkg/agentflow/checkpoint"
	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
	"github.com/randalmurphal/agentflow/pkg/agentflow/llm"
)

// largeMemory is shared memory the size of a mid-run essay workflow.
func largeMemory() map[string]any {
	values := make([]any, 100)
	for i := range values {
		values[i] = float64(i)
	}
	meta := make(map[string]any, 20)
	for i := 0; i < 20; i++ {
		meta[fmt.Sprintf("key-%d", i)] = fmt.Sprintf("value-%d", i)
	}
	return map[string]any{
		"topic":    "benchmark",
		"draft":    string(make([]byte, 4096)),
		"scores":   values,
		"metadata": meta,
	}
}

func newCheckpoint(seq int) *checkpoint.Checkpoint {
	cp := checkpoint.New("run-1", nodeID(seq%10), seq, largeMemory(), map[string]int{"draft": 2, "review": 1})
	cp.NextNode = nodeID((seq + 1) % 10)
	return cp
}

func openSQLite(b *testing.B) *checkpoint.SQLiteStore {
	b.Helper()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

// BenchmarkCheckpointStore_Save measures one save per step.
func BenchmarkCheckpointStore_Save(b *testing.B) {
	stores := map[string]func(*testing.B) checkpoint.Store{
		"memory": func(*testing.B) checkpoint.Store { return checkpoint.NewMemoryStore() },
		"sqlite": func(b *testing.B) checkpoint.Store { return openSQLite(b) },
	}
	for name, open := range stores {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			ctx := context.Background()
			cp := newCheckpoint(0)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				cp.Sequence = i
				if err := store.Save(ctx, cp); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkCheckpointStore_Latest measures loading the resume point of a
// run with 100 checkpoints.
func BenchmarkCheckpointStore_Latest(b *testing.B) {
	stores := map[string]func(*testing.B) checkpoint.Store{
		"memory": func(*testing.B) checkpoint.Store { return checkpoint.NewMemoryStore() },
		"sqlite": func(b *testing.B) checkpoint.Store { return openSQLite(b) },
	}
	for name, open := range stores {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			ctx := context.Background()
			for i := 0; i < 100; i++ {
				if err := store.Save(ctx, newCheckpoint(i)); err != nil {
					b.Fatal(err)
				}
			}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := store.Latest(ctx, "run-1"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkCheckpoint_Marshal measures the JSON encoding Save relies on.
func BenchmarkCheckpoint_Marshal(b *testing.B) {
	cp := newCheckpoint(1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := cp.Marshal(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCheckpoint_Unmarshal measures decoding a stored checkpoint.
func BenchmarkCheckpoint_Unmarshal(b *testing.B) {
	data, err := newCheckpoint(1).Marshal()
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := checkpoint.Unmarshal(data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConversationStore_AppendPart measures the write every model
// turn and tool result makes.
func BenchmarkConversationStore_AppendPart(b *testing.B) {
	stores := map[string]func(*testing.B) conversation.Store{
		"memory": func(*testing.B) conversation.Store { return conversation.NewMemoryStore() },
		"file": func(b *testing.B) conversation.Store {
			s, err := conversation.NewFileStore(b.TempDir())
			if err != nil {
				b.Fatal(err)
			}
			return s
		},
		"sqlite": func(b *testing.B) conversation.Store {
			db, err := conversation.OpenSQLite(filepath.Join(b.TempDir(), "conv.db"))
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { _ = db.Close() })
			return db.Session("bench")
		},
		"badger": func(b *testing.B) conversation.Store {
			db, err := conversation.OpenBadger(conversation.DefaultBadgerConfig(b.TempDir()))
			if err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { _ = db.Close() })
			return db.Session("bench")
		},
	}
	for name, open := range stores {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				part := conversation.Part{Seq: i, Role: llm.RoleAssistant, Content: "a model turn of moderate length"}
				if err := store.AppendPart(ctx, part); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
