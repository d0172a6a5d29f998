package conversation

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps a conversation in memory. Data is lost when the
// process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	parts  []Part
	cursor *Cursor
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendPart implements Store.
func (m *MemoryStore) AppendPart(_ context.Context, part Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if n := len(m.parts); n > 0 && part.Seq <= m.parts[n-1].Seq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, part.Seq, m.parts[n-1].Seq)
	}
	m.parts = append(m.parts, part)
	return nil
}

// ReadParts implements Store.
func (m *MemoryStore) ReadParts(_ context.Context) ([]Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Part, len(m.parts))
	copy(out, m.parts)
	return out, nil
}

// ReadCursor implements Store.
func (m *MemoryStore) ReadCursor(_ context.Context) (*Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	if m.cursor == nil {
		return nil, nil
	}
	c := m.cursor.Clone()
	return &c, nil
}

// WriteCursor implements Store.
func (m *MemoryStore) WriteCursor(_ context.Context, cursor Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	c := cursor.Clone()
	m.cursor = &c
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
