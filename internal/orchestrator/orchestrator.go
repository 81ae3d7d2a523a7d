// Package orchestrator drives a research run through the plan, research,
// review and write nodes until the router reaches DONE.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/router"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

const runMode = "local"

var (
	// ErrEmptyQuery is returned when a run is started without a query
	ErrEmptyQuery = errors.New("user query is empty")
	// ErrMissingCollaborator is returned by New when a required node is nil
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// Planner fills SearchQueries
type Planner interface {
	Plan(ctx context.Context, s *state.ResearchState) state.Partial
}

// Reviewer sets the verdict
type Reviewer interface {
	Review(ctx context.Context, s *state.ResearchState, maxIterations int) state.Partial
}

// Writer sets the report
type Writer interface {
	Write(ctx context.Context, s *state.ResearchState) state.Partial
}

// EventSink receives run progress events
type EventSink interface {
	Publish(runID string, evt streaming.Event)
}

// ReportSaver persists the final report
type ReportSaver interface {
	Save(ctx context.Context, name string, rec reports.Record) error
}

// Deps are the collaborators of a run. Checkpoints, Events and Reports are optional.
type Deps struct {
	Planner     Planner
	Dispatcher  dispatch.Dispatcher
	Reviewer    Reviewer
	Writer      Writer
	Checkpoints *state.Checkpoints
	Events      EventSink
	Reports     ReportSaver
}

// Config bounds a run
type Config struct {
	MaxIterations int
	// RunTimeout bounds a whole run when positive
	RunTimeout time.Duration
}

// Result is the outcome of a finished run
type Result struct {
	RunID      string              `json:"run_id"`
	Report     string              `json:"report"`
	State      state.ResearchState `json:"state"`
	Iterations int                 `json:"iterations"`
	// Forced is set when the iteration cap ended the loop
	Forced bool `json:"forced"`
}

// Orchestrator runs the research graph. Only the research node fans out;
// the control loop itself is single-threaded.
type Orchestrator struct {
	deps          Deps
	maxIterations atomic.Int32
	runTimeout    time.Duration
	logger        *zap.Logger
}

// New validates the collaborators and creates an orchestrator
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Planner == nil:
		return nil, fmt.Errorf("%w: planner", ErrMissingCollaborator)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", ErrMissingCollaborator)
	case deps.Reviewer == nil:
		return nil, fmt.Errorf("%w: reviewer", ErrMissingCollaborator)
	case deps.Writer == nil:
		return nil, fmt.Errorf("%w: writer", ErrMissingCollaborator)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{deps: deps, runTimeout: cfg.RunTimeout, logger: logger}
	o.SetMaxIterations(cfg.MaxIterations)
	return o, nil
}

// SetMaxIterations changes the loop cap for runs started afterwards
func (o *Orchestrator) SetMaxIterations(n int) {
	if n <= 0 {
		n = router.DefaultMaxIterations
	}
	o.maxIterations.Store(int32(n))
}

// MaxIterations returns the loop cap
func (o *Orchestrator) MaxIterations() int {
	return int(o.maxIterations.Load())
}

// Run executes a research run under a fresh run ID
func (o *Orchestrator) Run(ctx context.Context, query string) (Result, error) {
	return o.RunWithID(ctx, uuid.NewString(), query)
}

// RunWithID executes a research run. Errors are returned only for an empty
// query, a routing failure or a cancelled context; collaborator failures
// degrade into data inside the state.
func (o *Orchestrator) RunWithID(ctx context.Context, runID, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{RunID: runID}, ErrEmptyQuery
	}
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	rt := router.New(o.MaxIterations())
	logger := o.logger.With(zap.String("run_id", runID))
	start := time.Now()
	metrics.RunsStarted.WithLabelValues(runMode).Inc()

	ctx, span := tracing.StartSpan(ctx, "research.run")
	defer span.End()
	span.SetAttributes(attribute.String("research.run_id", runID))

	logger.Info("Research run started",
		zap.String("user_query", query),
		zap.Int("max_iterations", rt.MaxIterations()),
	)
	o.emit(runID, streaming.Event{Type: streaming.EventRunStarted, Message: query})

	agg := state.New(query)
	res := Result{RunID: runID}
	node := router.Start

	for node != router.Done {
		if err := ctx.Err(); err != nil {
			return o.fail(logger, span, res, agg, start, node, err)
		}

		agg = o.step(ctx, runID, node, agg, rt.MaxIterations(), logger)

		dec, err := rt.Next(node, &agg)
		if err != nil {
			return o.fail(logger, span, res, agg, start, node, err)
		}
		if dec.Forced {
			res.Forced = true
			metrics.ForcedCompletions.Inc()
			logger.Warn("Iteration cap reached, forcing report",
				zap.Int("iteration", agg.Iteration),
				zap.String("verdict", agg.Review.String()),
			)
			o.emit(runID, streaming.Event{Type: streaming.EventForcedWrite, Iteration: agg.Iteration, Message: agg.Review.Justification})
		}
		logger.Debug("Routed",
			zap.String("from", string(node)),
			zap.String("to", string(dec.Next)),
			zap.String("edge", dec.Edge),
		)
		node = dec.Next
	}

	res.Report = agg.Report
	res.State = agg
	res.Iterations = agg.Iteration
	o.save(ctx, runID, res, logger)

	metrics.RecordRunMetrics(runMode, "completed", time.Since(start).Seconds(), res.Iterations)
	logger.Info("Research run completed",
		zap.Int("iterations", res.Iterations),
		zap.Bool("forced", res.Forced),
		zap.Int("search_results", len(agg.SearchResults)),
		zap.Int("summaries", len(agg.Summaries)),
		zap.Duration("duration", time.Since(start)),
	)
	o.emit(runID, streaming.Event{
		Type:      streaming.EventRunCompleted,
		Iteration: res.Iterations,
		Data:      map[string]interface{}{"forced": res.Forced, "report_chars": len(res.Report)},
	})
	return res, nil
}

// step runs one node and merges its contribution
func (o *Orchestrator) step(ctx context.Context, runID string, node router.Node, agg state.ResearchState, maxIterations int, logger *zap.Logger) state.ResearchState {
	nodeCtx, span := tracing.StartNodeSpan(ctx, runID, string(node), agg.Iteration)
	defer span.End()
	started := time.Now()
	o.emit(runID, streaming.Event{Type: streaming.EventNodeStarted, Node: string(node), Iteration: agg.Iteration})

	switch node {
	case router.Plan:
		p := o.deps.Planner.Plan(nodeCtx, &agg)
		agg = state.Merge(agg, p.WithIteration(agg.Iteration+1))
	case router.Research:
		agg = dispatch.FanOut(nodeCtx, o.deps.Dispatcher, agg, agg.SubInputs())
	case router.Review:
		agg = state.Merge(agg, o.deps.Reviewer.Review(nodeCtx, &agg, maxIterations))
	case router.Write:
		agg = state.Merge(agg, o.deps.Writer.Write(nodeCtx, &agg))
	}

	elapsed := time.Since(started)
	metrics.NodeDuration.WithLabelValues(string(node)).Observe(elapsed.Seconds())
	logger.Info("Node completed",
		zap.String("node", string(node)),
		zap.Int("iteration", agg.Iteration),
		zap.Duration("duration", elapsed),
	)

	if o.deps.Checkpoints != nil {
		if _, err := o.deps.Checkpoints.Save(runID, string(node), agg, nil); err != nil {
			logger.Warn("Failed to checkpoint state", zap.String("node", string(node)), zap.Error(err))
		}
	}
	o.emit(runID, streaming.Event{
		Type:      streaming.EventNodeCompleted,
		Node:      string(node),
		Iteration: agg.Iteration,
		Data:      nodeSummary(node, &agg),
	})
	return agg
}

func nodeSummary(node router.Node, s *state.ResearchState) map[string]interface{} {
	switch node {
	case router.Plan:
		queries := make([]string, len(s.SearchQueries))
		for i, q := range s.SearchQueries {
			queries[i] = q.Query
		}
		return map[string]interface{}{"search_queries": queries}
	case router.Research:
		return map[string]interface{}{"search_results": len(s.SearchResults), "summaries": len(s.Summaries)}
	case router.Review:
		return map[string]interface{}{"is_search_complete": s.Review.IsSearchComplete(), "justification": s.Review.Justification}
	case router.Write:
		return map[string]interface{}{"report_chars": len(s.Report)}
	}
	return nil
}

func (o *Orchestrator) save(ctx context.Context, runID string, res Result, logger *zap.Logger) {
	if o.deps.Reports == nil {
		return
	}
	rec := reports.Record{
		RunID:      runID,
		UserQuery:  res.State.UserQuery,
		Report:     res.Report,
		Iterations: res.Iterations,
		Forced:     res.Forced,
	}
	if err := o.deps.Reports.Save(ctx, runID, rec); err != nil {
		logger.Error("Failed to save report", zap.Error(err))
		return
	}
	o.emit(runID, streaming.Event{Type: streaming.EventReportSaved, Message: runID})
}

func (o *Orchestrator) fail(logger *zap.Logger, span oteltrace.Span, res Result, agg state.ResearchState, start time.Time, node router.Node, err error) (Result, error) {
	status := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = "cancelled"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RecordRunMetrics(runMode, status, time.Since(start).Seconds(), agg.Iteration)
	logger.Error("Research run stopped",
		zap.String("node", string(node)),
		zap.Int("iteration", agg.Iteration),
		zap.Error(err),
	)
	o.emit(res.RunID, streaming.Event{Type: streaming.EventRunFailed, Node: string(node), Message: err.Error()})

	res.State = agg
	res.Iterations = agg.Iteration
	res.Report = agg.Report
	return res, fmt.Errorf("run %s stopped at %s: %w", res.RunID, node, err)
}

func (o *Orchestrator) emit(runID string, evt streaming.Event) {
	if o.deps.Events != nil {
		o.deps.Events.Publish(runID, evt)
	}
}
