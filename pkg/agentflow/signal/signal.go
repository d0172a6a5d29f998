// Package signal delivers external messages to running event-loop nodes.
//
// A signal is fire-and-forget: the sender does not wait for the node to
// act on it. Signals addressed to a target with no live receiver are kept
// pending and delivered, in order, when a receiver attaches. This is how a
// human's reply reaches a client-facing node that has not started yet, or
// that will only start after the current node finishes.
//
// Two signal names are understood:
//   - "event" injects Content into the node's next turn
//   - "shutdown" asks the node to stop gracefully
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal names.
const (
	NameEvent    = "event"
	NameShutdown = "shutdown"
)

// Status represents the current state of a signal.
type Status string

// Signal status constants.
const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

var (
	// ErrSignalNotFound is returned when a signal cannot be found.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrUnknownSignal is returned for a name other than event or shutdown.
	ErrUnknownSignal = errors.New("unknown signal")
)

// Signal is a fire-and-forget message to a node.
type Signal struct {
	ID string `json:"id"`
	// Name is NameEvent or NameShutdown.
	Name string `json:"name"`
	// TargetID names the receiver, usually a node id.
	TargetID string `json:"target_id"`
	// Content is the event text. Unused for shutdown.
	Content  string `json:"content,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Status   Status `json:"status"`

	SentAt      time.Time  `json:"sent_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	// DeliveredTo is the node id of the receiver that took the signal.
	DeliveredTo string `json:"delivered_to,omitempty"`
}

// NewEvent creates an event signal carrying content.
func NewEvent(targetID, content string) *Signal {
	return newSignal(NameEvent, targetID, content)
}

// NewShutdown creates a shutdown signal.
func NewShutdown(targetID string) *Signal {
	return newSignal(NameShutdown, targetID, "")
}

func newSignal(name, targetID, content string) *Signal {
	return &Signal{
		ID:       fmt.Sprintf("sig-%s", uuid.New().String()[:8]),
		Name:     name,
		TargetID: targetID,
		Content:  content,
		Status:   StatusPending,
		SentAt:   time.Now(),
	}
}

// WithSender sets the sender ID on the signal.
func (s *Signal) WithSender(senderID string) *Signal {
	s.SenderID = senderID
	return s
}

// Clone creates a copy of the signal.
func (s *Signal) Clone() *Signal {
	c := *s
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// Receiver is a running node that accepts signals. *eventloop.Node
// implements it.
type Receiver interface {
	ID() string
	InjectEvent(content string)
	SignalShutdown()
}

// Store persists signals.
type Store interface {
	// Enqueue adds a pending signal.
	Enqueue(ctx context.Context, signal *Signal) error

	// Pending returns the pending signals for a target in send order.
	Pending(ctx context.Context, targetID string) ([]*Signal, error)

	// Get retrieves a signal by ID.
	Get(ctx context.Context, signalID string) (*Signal, error)

	// MarkProcessed records delivery to the receiver with node id nodeID.
	MarkProcessed(ctx context.Context, signalID, nodeID string) error

	// ListByTarget returns all signals for a target in send order.
	ListByTarget(ctx context.Context, targetID string) ([]*Signal, error)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	signals  map[string]*Signal
	byTarget map[string][]string // targetID -> signal IDs
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:  make(map[string]*Signal),
		byTarget: make(map[string][]string),
	}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, signal *Signal) error {
	sig := signal.Clone()
	if sig.ID == "" {
		sig.ID = fmt.Sprintf("sig-%s", uuid.New().String()[:8])
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now()
	}
	sig.Status = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signals[sig.ID]; !exists {
		s.byTarget[sig.TargetID] = append(s.byTarget[sig.TargetID], sig.ID)
	}
	s.signals[sig.ID] = sig
	return nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(_ context.Context, targetID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*Signal
	for _, id := range s.byTarget[targetID] {
		if sig := s.signals[id]; sig.Status == StatusPending {
			pending = append(pending, sig.Clone())
		}
	}
	return pending, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, signalID string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, exists := s.signals[signalID]
	if !exists {
		return nil, ErrSignalNotFound
	}
	return sig.Clone(), nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(_ context.Context, signalID, nodeID string) error {
	return s.update(signalID, func(sig *Signal) {
		sig.Status = StatusProcessed
		sig.DeliveredTo = nodeID
	})
}

func (s *MemoryStore) update(signalID string, fn func(*Signal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, exists := s.signals[signalID]
	if !exists {
		return ErrSignalNotFound
	}
	fn(sig)
	now := time.Now()
	sig.ProcessedAt = &now
	return nil
}

// ListByTarget implements Store.
func (s *MemoryStore) ListByTarget(_ context.Context, targetID string) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Signal, 0, len(s.byTarget[targetID]))
	for _, id := range s.byTarget[targetID] {
		out = append(out, s.signals[id].Clone())
	}
	return out, nil
}

// Dispatcher routes signals to attached receivers. At most one receiver is
// attached per target; attaching another replaces it.
type Dispatcher struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	receivers map[string]Receiver
}

// NewDispatcher creates a dispatcher backed by store. A nil store uses a
// MemoryStore.
func NewDispatcher(store Store) *Dispatcher {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Dispatcher{
		store:     store,
		logger:    slog.Default(),
		receivers: make(map[string]Receiver),
	}
}

// WithLogger sets the logger for the dispatcher.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// Send records signal and delivers it if a receiver is attached to its
// target. It reports whether the signal was delivered now.
func (d *Dispatcher) Send(ctx context.Context, signal *Signal) (bool, error) {
	if signal.TargetID == "" {
		return false, errors.New("target ID is required")
	}
	if signal.Name != NameEvent && signal.Name != NameShutdown {
		return false, fmt.Errorf("%w: %q", ErrUnknownSignal, signal.Name)
	}
	if err := d.store.Enqueue(ctx, signal); err != nil {
		return false, fmt.Errorf("failed to enqueue signal: %w", err)
	}

	d.logger.Debug("signal sent",
		"signal_id", signal.ID,
		"signal_name", signal.Name,
		"target_id", signal.TargetID,
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.receivers[signal.TargetID]
	if !ok {
		return false, nil
	}
	if err := d.drain(ctx, signal.TargetID, r); err != nil {
		return false, err
	}
	return true, nil
}

// Attach makes r the receiver for targetID and delivers what is pending.
func (d *Dispatcher) Attach(ctx context.Context, targetID string, r Receiver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receivers[targetID] = r
	return d.drain(ctx, targetID, r)
}

// Detach removes the receiver for targetID if it is the node nodeID.
// Signals sent afterwards stay pending.
func (d *Dispatcher) Detach(targetID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.receivers[targetID]; ok && r.ID() == nodeID {
		delete(d.receivers, targetID)
	}
}

// Attached reports whether targetID has a receiver.
func (d *Dispatcher) Attached(targetID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.receivers[targetID]
	return ok
}

// drain delivers the pending signals of targetID. The caller holds d.mu.
func (d *Dispatcher) drain(ctx context.Context, targetID string, r Receiver) error {
	pending, err := d.store.Pending(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load pending signals: %w", err)
	}
	for _, sig := range pending {
		switch sig.Name {
		case NameEvent:
			r.InjectEvent(sig.Content)
		case NameShutdown:
			r.SignalShutdown()
		}
		if err := d.store.MarkProcessed(ctx, sig.ID, r.ID()); err != nil {
			d.logger.Error("failed to mark signal as processed",
				"signal_id", sig.ID,
				"error", err,
			)
		}
		d.logger.Debug("signal delivered",
			"signal_id", sig.ID,
			"signal_name", sig.Name,
			"target_id", targetID,
			"node_id", r.ID(),
		)
	}
	return nil
}
