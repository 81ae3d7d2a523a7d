package httpapi

import (
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
)

// Run states reported by GET /research/{id}
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunInfo is the API view of a run
type RunInfo struct {
	RunID      string     `json:"run_id"`
	Query      string     `json:"query"`
	Status     string     `json:"status"`
	Report     string     `json:"report,omitempty"`
	Iterations int        `json:"iterations"`
	Forced     bool       `json:"forced"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// runRegistry tracks runs started by this process, oldest evicted first
type runRegistry struct {
	mu    sync.RWMutex
	runs  map[string]*RunInfo
	order []string
	max   int
	// onEvict releases per-run resources such as the event ring
	onEvict func(runID string)
}

func newRunRegistry(max int, onEvict func(string)) *runRegistry {
	if max <= 0 {
		max = 1000
	}
	return &runRegistry{runs: make(map[string]*RunInfo), max: max, onEvict: onEvict}
}

func (r *runRegistry) start(runID, query string, now time.Time) {
	r.mu.Lock()
	r.runs[runID] = &RunInfo{RunID: runID, Query: query, Status: StatusRunning, StartedAt: now}
	r.order = append(r.order, runID)
	var evicted []string
	// live runs are never dropped
	for i := 0; len(r.runs) > r.max && i < len(r.order); {
		id := r.order[i]
		if r.runs[id].Status == StatusRunning {
			i++
			continue
		}
		delete(r.runs, id)
		r.order = append(r.order[:i], r.order[i+1:]...)
		evicted = append(evicted, id)
	}
	r.mu.Unlock()

	if r.onEvict != nil {
		for _, id := range evicted {
			r.onEvict(id)
		}
	}
}

func (r *runRegistry) finish(runID string, res orchestrator.Result, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.runs[runID]
	if info == nil {
		return
	}
	info.FinishedAt = &now
	info.Report = res.Report
	info.Iterations = res.Iterations
	info.Forced = res.Forced
	if err != nil {
		info.Status = StatusFailed
		info.Error = err.Error()
		return
	}
	info.Status = StatusCompleted
}

func (r *runRegistry) get(runID string) (RunInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	return *info, true
}
