package eventloop

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/randalmurphal/agentflow/pkg/agentflow/conversation"
)

// OutputAccumulator holds the values a node has set for its declared
// output keys. With a store attached every Set is written through to the
// cursor before it returns.
type OutputAccumulator struct {
	mu       sync.RWMutex
	declared []string
	allowed  map[string]struct{}
	values   map[string]any
	store    conversation.Store
}

// NewOutputAccumulator creates an accumulator for keys. store may be nil.
func NewOutputAccumulator(keys []string, store conversation.Store) *OutputAccumulator {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return &OutputAccumulator{
		declared: slices.Clone(keys),
		allowed:  allowed,
		values:   make(map[string]any),
		store:    store,
	}
}

// Keys returns the declared keys in declaration order.
func (a *OutputAccumulator) Keys() []string {
	return slices.Clone(a.declared)
}

// Set records value under key and persists it. Undeclared keys return
// ErrUnknownOutputKey and change nothing. On a store failure the value is
// not kept.
func (a *OutputAccumulator) Set(ctx context.Context, key string, value any) error {
	if _, ok := a.allowed[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOutputKey, key)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, had := a.values[key]
	a.values[key] = value
	if err := a.persistLocked(ctx); err != nil {
		if had {
			a.values[key] = prev
		} else {
			delete(a.values, key)
		}
		return err
	}
	return nil
}

// persistLocked rewrites the outputs of the stored cursor, keeping its
// counters.
func (a *OutputAccumulator) persistLocked(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	cur, err := a.store.ReadCursor(ctx)
	if err != nil {
		return err
	}
	next := conversation.Cursor{}
	if cur != nil {
		next = *cur
	}
	next.Outputs = maps.Clone(a.values)
	return a.store.WriteCursor(ctx, next)
}

// Get returns the value for key.
func (a *OutputAccumulator) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[key]
	return v, ok
}

// Export returns a copy of every value set so far.
func (a *OutputAccumulator) Export() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.values))
	maps.Copy(out, a.values)
	return out
}

// Missing returns the keys of required that have no value, in order.
func (a *OutputAccumulator) Missing(required []string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var missing []string
	for _, k := range required {
		if _, ok := a.values[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Complete reports whether every required key has a value.
func (a *OutputAccumulator) Complete(required []string) bool {
	return len(a.Missing(required)) == 0
}

// Restore replaces the values with the cursor's outputs. Keys the node
// does not declare are dropped and returned.
func (a *OutputAccumulator) Restore(cursor conversation.Cursor) (dropped []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.values = make(map[string]any, len(cursor.Outputs))
	for k, v := range cursor.Outputs {
		if _, ok := a.allowed[k]; !ok {
			dropped = append(dropped, k)
			continue
		}
		a.values[k] = v
	}
	slices.Sort(dropped)
	return dropped
}
