// Package checkpoint persists graph run state so an interrupted or paused
// run can be resumed.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a run has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrVersionMismatch is returned when a stored checkpoint was written
	// by an incompatible format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)

// Store persists run checkpoints. Every completed node appends one
// checkpoint; the one with the highest sequence is the run's current
// state. Implementations must be safe for concurrent use.
type Store interface {
	// Save stores cp under (cp.RunID, cp.Sequence), replacing any
	// checkpoint already stored there.
	Save(ctx context.Context, cp *Checkpoint) error

	// Latest returns the checkpoint with the highest sequence for runID.
	// Returns ErrNotFound if the run has none.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)

	// List returns metadata for all checkpoints of runID ordered by
	// sequence. Returns an empty slice if the run has none.
	List(ctx context.Context, runID string) ([]Info, error)

	// Runs returns the ids of all runs with at least one checkpoint.
	Runs(ctx context.Context) ([]string, error)

	// DeleteRun removes all checkpoints for runID. No error if none exist.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases resources. Further operations return ErrStoreClosed.
	Close() error
}

// Info describes a stored checkpoint without loading its state.
type Info struct {
	RunID     string
	NodeID    string
	NextNode  string
	PausedAt  string
	Sequence  int
	Timestamp time.Time
	Size      int64
}
