// Package activities exposes the research nodes as Temporal activities.
// Each activity wraps one fail-soft role, so activities only fail when their
// context is cancelled or a store rejects a write.
package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

// ErrNoReportStore is returned by SaveReport when persistence is disabled
var ErrNoReportStore = errors.New("report store not configured")

// Researcher runs one research branch
type Researcher interface {
	Research(ctx context.Context, in state.SubInput) state.Partial
}

// Deps are the collaborators behind the activities. Reports and Events are optional.
type Deps struct {
	Planner    orchestrator.Planner
	Researcher Researcher
	Reviewer   orchestrator.Reviewer
	Writer     orchestrator.Writer
	Reports    orchestrator.ReportSaver
	Events     orchestrator.EventSink
}

// Activities holds the dependencies shared by every research activity
type Activities struct {
	deps   Deps
	logger *zap.Logger
}

// NewActivities creates the activity receiver
func NewActivities(deps Deps, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{deps: deps, logger: logger}
}

// PlanInput is the aggregate snapshot the planner reads
type PlanInput struct {
	RunID string              `json:"run_id"`
	State state.ResearchState `json:"state"`
}

// ResearchQueryInput is one fan-out branch
type ResearchQueryInput struct {
	RunID string         `json:"run_id"`
	Sub   state.SubInput `json:"sub"`
}

// ReviewInput carries the snapshot and the loop cap shown to the reviewer
type ReviewInput struct {
	RunID         string              `json:"run_id"`
	State         state.ResearchState `json:"state"`
	MaxIterations int                 `json:"max_iterations"`
}

// WriteInput is the snapshot the writer reads
type WriteInput struct {
	RunID string              `json:"run_id"`
	State state.ResearchState `json:"state"`
}

// SaveReportInput names the report and its content
type SaveReportInput struct {
	Name   string         `json:"name"`
	Record reports.Record `json:"record"`
}

// EmitEventInput is a progress event raised from workflow code
type EmitEventInput struct {
	RunID string          `json:"run_id"`
	Event streaming.Event `json:"event"`
}

// PlanQueries produces the next batch of search queries
func (a *Activities) PlanQueries(ctx context.Context, in PlanInput) (state.Partial, error) {
	a.activityLogger(ctx, in.RunID).Debug("Planning queries", zap.Int("iteration", in.State.Iteration))
	p := a.deps.Planner.Plan(ctx, &in.State)
	return p, ctx.Err()
}

// ResearchQuery runs one branch: search, fetch, rank and summarize
func (a *Activities) ResearchQuery(ctx context.Context, in ResearchQueryInput) (state.Partial, error) {
	a.activityLogger(ctx, in.RunID).Debug("Researching query",
		zap.Int("index", in.Sub.Index),
		zap.String("query", in.Sub.SearchQuery.Query),
	)
	p := a.deps.Researcher.Research(ctx, in.Sub)
	return p, ctx.Err()
}

// ReviewFindings decides whether the summaries answer the user query
func (a *Activities) ReviewFindings(ctx context.Context, in ReviewInput) (state.Partial, error) {
	a.activityLogger(ctx, in.RunID).Debug("Reviewing findings", zap.Int("summaries", len(in.State.Summaries)))
	p := a.deps.Reviewer.Review(ctx, &in.State, in.MaxIterations)
	return p, ctx.Err()
}

// WriteReport composes the final report
func (a *Activities) WriteReport(ctx context.Context, in WriteInput) (state.Partial, error) {
	a.activityLogger(ctx, in.RunID).Debug("Writing report", zap.Int("summaries", len(in.State.Summaries)))
	p := a.deps.Writer.Write(ctx, &in.State)
	return p, ctx.Err()
}

// SaveReport persists the finished report
func (a *Activities) SaveReport(ctx context.Context, in SaveReportInput) error {
	if a.deps.Reports == nil {
		return ErrNoReportStore
	}
	if in.Record.CreatedAt.IsZero() {
		in.Record.CreatedAt = time.Now().UTC()
	}
	if err := a.deps.Reports.Save(ctx, in.Name, in.Record); err != nil {
		a.activityLogger(ctx, in.Record.RunID).Error("Failed to save report", zap.Error(err))
		return err
	}
	return nil
}

// EmitEvent publishes a progress event; delivery is best-effort
func (a *Activities) EmitEvent(ctx context.Context, in EmitEventInput) error {
	if a.deps.Events == nil {
		return nil
	}
	a.deps.Events.Publish(in.RunID, in.Event)
	return nil
}

// activityLogger tags the logger with the run and, inside a worker, the workflow
func (a *Activities) activityLogger(ctx context.Context, runID string) *zap.Logger {
	logger := a.logger.With(zap.String("run_id", runID))
	if info, ok := activityInfo(ctx); ok {
		logger = logger.With(
			zap.String("workflow_id", info.WorkflowExecution.ID),
			zap.String("activity", info.ActivityType.Name),
			zap.Int32("attempt", info.Attempt),
		)
	}
	return logger
}

// activityInfo returns the activity info, or false outside an activity context
func activityInfo(ctx context.Context) (info activity.Info, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return activity.GetInfo(ctx), true
}
