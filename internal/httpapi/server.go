// Package httpapi exposes research runs over HTTP: start a run, poll its
// status, read saved reports and follow progress events over SSE or WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/health"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

// Runner executes a research run under a caller-chosen ID
type Runner interface {
	RunWithID(ctx context.Context, runID, query string) (orchestrator.Result, error)
}

// ReportReader reads saved reports
type ReportReader interface {
	Get(ctx context.Context, name string) (reports.Record, error)
	List(ctx context.Context, limit int) ([]reports.Record, error)
}

// CheckpointStore holds per-run aggregate snapshots
type CheckpointStore interface {
	List(runID string) []state.Checkpoint
	Restore(checkpointID string) (state.ResearchState, error)
	Drop(runID string)
}

// Options are the server collaborators. Reports, Checkpoints, Auth and Health
// are optional.
type Options struct {
	Runner      Runner
	Events      *streaming.Manager
	Reports     ReportReader
	Checkpoints CheckpointStore
	Auth        *auth.Middleware
	Health      *health.Manager
	// MaxRuns bounds the in-memory run registry
	MaxRuns     int
}

// Server serves the research API
type Server struct {
	runner  Runner
	events  *streaming.Manager
	reports ReportReader
	cps     CheckpointStore
	auth    *auth.Middleware
	health  *health.HTTPHandler
	runs    *runRegistry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

type startRequest struct {
	Query string `json:"query"`
}

type startResponse struct {
	RunID     string `json:"run_id"`
	StreamURL string `json:"stream_url"`
}

// NewServer creates a server; runs outlive their requests until Shutdown
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = streaming.NewManager(streaming.Config{}, nil, logger)
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil, true)
	}
	if opts.Health == nil {
		opts.Health = health.NewManager(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:  opts.Runner,
		events:  opts.Events,
		reports: opts.Reports,
		cps:     opts.Checkpoints,
		auth:    opts.Auth,
		health:  health.NewHTTPHandler(opts.Health, logger),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}
	s.runs = newRunRegistry(opts.MaxRuns, s.release)
	return s
}

// release drops what the process holds for an evicted run
func (s *Server) release(runID string) {
	s.events.Forget(runID)
	if s.cps != nil {
		s.cps.Drop(runID)
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.health.RegisterRoutes(r)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.auth.HTTPMiddleware)
	read := auth.RequireScope(auth.ScopeResearchRead)
	write := auth.RequireScope(auth.ScopeResearchWrite)

	api.Handle("/research", write(http.HandlerFunc(s.handleStart))).Methods(http.MethodPost)
	api.Handle("/research/{id}", read(http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)
	api.Handle("/research/{id}/checkpoints", read(http.HandlerFunc(s.handleListCheckpoints))).Methods(http.MethodGet)
	api.Handle("/research/{id}/checkpoints/{checkpoint}", read(http.HandlerFunc(s.handleGetCheckpoint))).Methods(http.MethodGet)
	api.Handle("/reports", read(http.HandlerFunc(s.handleListReports))).Methods(http.MethodGet)
	api.Handle("/reports/{name}", read(http.HandlerFunc(s.handleGetReport))).Methods(http.MethodGet)
	api.Handle("/stream/sse", read(http.HandlerFunc(s.handleSSE))).Methods(http.MethodGet)
	api.Handle("/stream/ws", read(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)
	return r
}

// Shutdown cancels running research and waits for it to stop
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleStart launches a run in the background.
// POST /research {"query": "..."} -> 202 {"run_id": "..."}
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	runID := uuid.NewString()
	s.runs.start(runID, query, time.Now().UTC())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.runner.RunWithID(s.baseCtx, runID, query)
		s.runs.finish(runID, res, err, time.Now().UTC())
		if err != nil {
			s.logger.Warn("Research run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	s.logger.Info("Research run accepted", zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, startResponse{RunID: runID, StreamURL: "/stream/sse?run_id=" + runID})
}

// handleStatus reports a live run, or a finished one from the report store
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if info, ok := s.runs.get(id); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	if s.reports != nil {
		rec, err := s.reports.Get(r.Context(), id)
		if err == nil {
			finished := rec.CreatedAt
			writeJSON(w, http.StatusOK, RunInfo{
				RunID:      id,
				Query:      rec.UserQuery,
				Status:     StatusCompleted,
				Report:     rec.Report,
				Iterations: rec.Iterations,
				Forced:     rec.Forced,
				StartedAt:  rec.CreatedAt,
				FinishedAt: &finished,
			})
			return
		}
		if !errors.Is(err, reports.ErrNotFound) && !errors.Is(err, reports.ErrInvalidName) {
			s.logger.Error("Failed to read report", zap.String("run_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "report store unavailable")
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

type checkpointInfo struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Timestamp time.Time `json:"timestamp"`
}

// handleListCheckpoints lists a run's snapshots without their state.
// GET /research/{id}/checkpoints
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.cps == nil {
		writeError(w, http.StatusNotFound, "checkpoints disabled")
		return
	}
	cps := s.cps.List(mux.Vars(r)["id"])
	if len(cps) == 0 {
		writeError(w, http.StatusNotFound, "no checkpoints for run")
		return
	}
	out := make([]checkpointInfo, len(cps))
	for i, cp := range cps {
		out[i] = checkpointInfo{ID: cp.ID, Node: cp.Node, Timestamp: cp.Timestamp}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": out})
}

// handleGetCheckpoint returns the restored aggregate of one snapshot.
// GET /research/{id}/checkpoints/{checkpoint}
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.cps == nil {
		writeError(w, http.StatusNotFound, "checkpoints disabled")
		return
	}
	vars := mux.Vars(r)
	var found bool
	for _, cp := range s.cps.List(vars["id"]) {
		if cp.ID == vars["checkpoint"] {
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	st, err := s.cps.Restore(vars["checkpoint"])
	if err != nil {
		s.logger.Error("Failed to restore checkpoint", zap.String("run_id", vars["id"]), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint unreadable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "report store disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.reports.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list reports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report store unavailable")
		return
	}
	if recs == nil {
		recs = []reports.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reports": recs})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "report store disabled")
		return
	}
	rec, err := s.reports.Get(r.Context(), mux.Vars(r)["name"])
	switch {
	case errors.Is(err, reports.ErrNotFound):
		writeError(w, http.StatusNotFound, "report not found")
	case errors.Is(err, reports.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid report name")
	case err != nil:
		s.logger.Error("Failed to read report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report store unavailable")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
