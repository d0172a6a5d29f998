package checkpoint

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory checkpoint store for testing and for runs
// that do not need to survive the process.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[int][]byte // runID -> sequence -> encoded checkpoint
	closed bool
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[int][]byte)}
}

// Save implements Store. The checkpoint is stored encoded so later changes
// to cp do not leak into the store.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if m.data[cp.RunID] == nil {
		m.data[cp.RunID] = make(map[int][]byte)
	}
	m.data[cp.RunID][cp.Sequence] = data
	return nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run := m.data[runID]
	if len(run) == 0 {
		return nil, ErrNotFound
	}
	latest := -1
	for seq := range run {
		if seq > latest {
			latest = seq
		}
	}
	return Unmarshal(run[latest])
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, runID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]Info, 0, len(m.data[runID]))
	for _, data := range m.data[runID] {
		cp, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		infos = append(infos, infoOf(cp, len(data)))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Sequence < infos[j].Sequence
	})
	return infos, nil
}

// Runs implements Store.
func (m *MemoryStore) Runs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	runs := make([]string, 0, len(m.data))
	for id, run := range m.data {
		if len(run) > 0 {
			runs = append(runs, id)
		}
	}
	slices.Sort(runs)
	return runs, nil
}

// DeleteRun implements Store.
func (m *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Len returns the total number of checkpoints across all runs.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, run := range m.data {
		count += len(run)
	}
	return count
}

func infoOf(cp *Checkpoint, size int) Info {
	return Info{
		RunID:     cp.RunID,
		NodeID:    cp.NodeID,
		NextNode:  cp.NextNode,
		PausedAt:  cp.PausedAt,
		Sequence:  cp.Sequence,
		Timestamp: cp.Timestamp,
		Size:      int64(size),
	}
}
