package checkpoint

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is the persisted state of a graph run after one node
// completed. It holds everything Resume needs to continue the run.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id,omitempty"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	// NodeID is the node that just completed.
	NodeID string `json:"node_id"`
	// NextNode is where the run continues. Empty means the run finished.
	NextNode string `json:"next_node,omitempty"`

	// Run state
	Memory      map[string]any `json:"memory"`
	Visits      map[string]int `json:"visits"`
	Path        []string       `json:"path"`
	Steps       int            `json:"steps"`
	TotalTokens int            `json:"total_tokens"`
	PausedAt    string         `json:"paused_at,omitempty"`
}

// New creates a checkpoint for runID after nodeID completed. Memory and
// visits are copied.
func New(runID, nodeID string, sequence int, memory map[string]any, visits map[string]int) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		RunID:     runID,
		NodeID:    nodeID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		Memory:    maps.Clone(memory),
		Visits:    maps.Clone(visits),
	}
}

// Finished reports whether the run had no node left to execute.
func (c *Checkpoint) Finished() bool {
	return c.NextNode == "" && c.PausedAt == ""
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON and checks its version.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, c.Version, Version)
	}
	if c.Memory == nil {
		c.Memory = map[string]any{}
	}
	if c.Visits == nil {
		c.Visits = map[string]int{}
	}
	return &c, nil
}
