package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is a saved snapshot of the aggregate after a merge
type Checkpoint struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Node      string            `json:"node"`
	Timestamp time.Time         `json:"timestamp"`
	State     json.RawMessage   `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultCheckpointRuns bounds how many runs keep snapshots at once
const DefaultCheckpointRuns = 100

// Checkpoints keeps aggregate snapshots per run so a run can be inspected or
// resumed from its last merge. Only the most recent runs are kept; the
// oldest run's snapshots go first.
type Checkpoints struct {
	mu      sync.RWMutex
	byID    map[string]Checkpoint
	byRun   map[string][]string
	runs    []string
	maxKeep int
	maxRuns int
	now     func() time.Time
}

// NewCheckpoints creates a checkpoint store keeping at most maxKeep snapshots
// per run (0 keeps every snapshot) for up to DefaultCheckpointRuns runs.
func NewCheckpoints(maxKeep int) *Checkpoints {
	return &Checkpoints{
		byID:    make(map[string]Checkpoint),
		byRun:   make(map[string][]string),
		maxKeep: maxKeep,
		maxRuns: DefaultCheckpointRuns,
		now:     time.Now,
	}
}

// WithMaxRuns changes how many runs keep snapshots; n <= 0 restores the default
func (c *Checkpoints) WithMaxRuns(n int) *Checkpoints {
	if n <= 0 {
		n = DefaultCheckpointRuns
	}
	c.mu.Lock()
	c.maxRuns = n
	c.mu.Unlock()
	return c
}

// Runs returns the IDs of runs holding snapshots, oldest first
func (c *Checkpoints) Runs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.runs...)
}

// Save snapshots s for runID and returns the checkpoint id
func (c *Checkpoints) Save(runID, node string, s ResearchState, metadata map[string]string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cp := Checkpoint{
		ID:        uuid.New().String(),
		RunID:     runID,
		Node:      node,
		Timestamp: c.now(),
		State:     data,
		Metadata:  metadata,
	}
	if _, seen := c.byRun[runID]; !seen {
		c.runs = append(c.runs, runID)
	}
	c.byID[cp.ID] = cp
	c.byRun[runID] = append(c.byRun[runID], cp.ID)
	c.pruneLocked(runID)
	for len(c.runs) > c.maxRuns {
		c.dropLocked(c.runs[0])
	}
	return cp.ID, nil
}

// Restore decodes and validates a checkpoint
func (c *Checkpoints) Restore(checkpointID string) (ResearchState, error) {
	c.mu.RLock()
	cp, ok := c.byID[checkpointID]
	c.mu.RUnlock()
	if !ok {
		return ResearchState{}, fmt.Errorf("checkpoint not found: %s", checkpointID)
	}

	var s ResearchState
	if err := json.Unmarshal(cp.State, &s); err != nil {
		return ResearchState{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if err := s.Validate(); err != nil {
		return ResearchState{}, fmt.Errorf("restored state validation failed: %w", err)
	}
	return s, nil
}

// Latest returns the newest checkpoint of a run
func (c *Checkpoints) Latest(runID string) (Checkpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byRun[runID]
	if len(ids) == 0 {
		return Checkpoint{}, false
	}
	return c.byID[ids[len(ids)-1]], true
}

// List returns a run's checkpoints, oldest first
func (c *Checkpoints) List(runID string) []Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byRun[runID]
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Drop removes all checkpoints of a run
func (c *Checkpoints) Drop(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(runID)
}

func (c *Checkpoints) dropLocked(runID string) {
	for _, id := range c.byRun[runID] {
		delete(c.byID, id)
	}
	delete(c.byRun, runID)
	for i, id := range c.runs {
		if id == runID {
			c.runs = append(c.runs[:i], c.runs[i+1:]...)
			break
		}
	}
}

func (c *Checkpoints) pruneLocked(runID string) {
	ids := c.byRun[runID]
	if c.maxKeep <= 0 || len(ids) <= c.maxKeep {
		return
	}
	drop := len(ids) - c.maxKeep
	for _, id := range ids[:drop] {
		delete(c.byID, id)
	}
	c.byRun[runID] = append([]string{}, ids[drop:]...)
}
