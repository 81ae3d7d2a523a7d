// Package workflows runs the research graph as a durable Temporal workflow.
// Nodes execute as activities; routing and merging stay in workflow code and
// reuse the same router and merge policies as the in-process orchestrator.
package workflows

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/router"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

const (
	defaultNodeTimeout = 10 * time.Minute
	eventTimeout       = 10 * time.Second
)

// ResearchInput starts a durable run
type ResearchInput struct {
	Query string `json:"query"`
	// RunID defaults to the workflow ID
	RunID         string `json:"run_id,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	// NodeTimeout bounds each node activity
	NodeTimeout time.Duration `json:"node_timeout,omitempty"`
	SaveReport  bool          `json:"save_report,omitempty"`
	// EmitEvents publishes progress through the EmitEvent activity
	EmitEvents bool `json:"emit_events,omitempty"`
}

// ResearchWorkflow loops plan, research and review until the reviewer is
// satisfied or the iteration cap forces the write node.
func ResearchWorkflow(ctx workflow.Context, input ResearchInput) (orchestrator.Result, error) {
	logger := workflow.GetLogger(ctx)
	runID := input.RunID
	if runID == "" {
		runID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	res := orchestrator.Result{RunID: runID}

	query := strings.TrimSpace(input.Query)
	if query == "" {
		return res, temporal.NewNonRetryableApplicationError(orchestrator.ErrEmptyQuery.Error(), "EmptyQuery", nil)
	}

	timeout := input.NodeTimeout
	if timeout <= 0 {
		timeout = defaultNodeTimeout
	}
	// the executor already retries each call; a failed node activity is final
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	emit := func(evt streaming.Event) {
		if input.EmitEvents {
			publish(ctx, runID, evt)
		}
	}

	rt := router.New(input.MaxIterations)
	logger.Info("Research workflow started", "run_id", runID, "max_iterations", rt.MaxIterations())
	emit(streaming.Event{Type: streaming.EventRunStarted, Message: query})

	agg := state.New(query)
	node := router.Start
	for node != router.Done {
		emit(streaming.Event{Type: streaming.EventNodeStarted, Node: string(node), Iteration: agg.Iteration})

		next, err := step(ctx, runID, node, agg, rt.MaxIterations())
		if err != nil {
			return fail(ctx, res, agg, node, err, emit)
		}
		agg = next
		emit(streaming.Event{Type: streaming.EventNodeCompleted, Node: string(node), Iteration: agg.Iteration})

		dec, err := rt.Next(node, &agg)
		if err != nil {
			return fail(ctx, res, agg, node, err, emit)
		}
		if dec.Forced {
			res.Forced = true
			logger.Warn("Iteration cap reached, forcing report", "iteration", agg.Iteration)
			emit(streaming.Event{Type: streaming.EventForcedWrite, Iteration: agg.Iteration, Message: agg.Review.Justification})
		}
		node = dec.Next
	}

	res.Report = agg.Report
	res.State = agg.WithoutContent()
	res.Iterations = agg.Iteration

	if input.SaveReport {
		rec := reports.Record{
			RunID:      runID,
			UserQuery:  query,
			Report:     res.Report,
			Iterations: res.Iterations,
			Forced:     res.Forced,
			CreatedAt:  workflow.Now(ctx).UTC(),
		}
		err := workflow.ExecuteActivity(ctx, constants.SaveReportActivity, activities.SaveReportInput{Name: runID, Record: rec}).Get(ctx, nil)
		if err != nil {
			// a lost save does not invalidate the report
			logger.Error("Failed to save report", "run_id", runID, "error", err)
		} else {
			emit(streaming.Event{Type: streaming.EventReportSaved, Message: runID})
		}
	}

	logger.Info("Research workflow completed", "run_id", runID, "iterations", res.Iterations, "forced", res.Forced)
	emit(streaming.Event{
		Type:      streaming.EventRunCompleted,
		Iteration: res.Iterations,
		Data:      map[string]interface{}{"forced": res.Forced, "report_chars": len(res.Report)},
	})
	return res, nil
}

// step runs one node as activities and merges the result into agg. Page
// content stays in workflow state; activities get URL-only projections so
// payloads do not grow with page size.
func step(ctx workflow.Context, runID string, node router.Node, agg state.ResearchState, maxIterations int) (state.ResearchState, error) {
	var p state.Partial
	switch node {
	case router.Plan:
		if err := workflow.ExecuteActivity(ctx, constants.PlanQueriesActivity, activities.PlanInput{RunID: runID, State: agg.WithoutContent()}).Get(ctx, &p); err != nil {
			return agg, err
		}
		return state.Merge(agg, p.WithIteration(agg.Iteration+1)), nil
	case router.Research:
		return fanOut(ctx, runID, agg)
	case router.Review:
		err := workflow.ExecuteActivity(ctx, constants.ReviewFindingsActivity, activities.ReviewInput{RunID: runID, State: agg.WithoutContent(), MaxIterations: maxIterations}).Get(ctx, &p)
		if err != nil {
			return agg, err
		}
	case router.Write:
		if err := workflow.ExecuteActivity(ctx, constants.WriteReportActivity, activities.WriteInput{RunID: runID, State: agg.WithoutContent()}).Get(ctx, &p); err != nil {
			return agg, err
		}
	default:
		return agg, fmt.Errorf("%w: %s", router.ErrUnknownNode, node)
	}
	return state.Merge(agg, p), nil
}

// fanOut starts one activity per planned query, then merges the partials in
// submission order regardless of completion order. A failed branch
// contributes nothing.
func fanOut(ctx workflow.Context, runID string, agg state.ResearchState) (state.ResearchState, error) {
	inputs := agg.SubInputs()
	futures := make([]workflow.Future, len(inputs))
	for i, in := range inputs {
		futures[i] = workflow.ExecuteActivity(ctx, constants.ResearchQueryActivity, activities.ResearchQueryInput{RunID: runID, Sub: in.WithoutContent()})
	}

	partials := make([]state.Partial, len(inputs))
	for i, f := range futures {
		if err := f.Get(ctx, &partials[i]); err != nil {
			if temporal.IsCanceledError(err) {
				return agg, err
			}
			workflow.GetLogger(ctx).Warn("Research branch failed", "run_id", runID, "index", i, "error", err)
			partials[i] = state.Partial{}
		}
	}
	return state.MergeAll(agg, partials...), nil
}

func fail(ctx workflow.Context, res orchestrator.Result, agg state.ResearchState, node router.Node, err error, emit func(streaming.Event)) (orchestrator.Result, error) {
	workflow.GetLogger(ctx).Error("Research workflow stopped", "run_id", res.RunID, "node", string(node), "error", err)
	emit(streaming.Event{Type: streaming.EventRunFailed, Node: string(node), Message: err.Error()})
	res.State = agg.WithoutContent()
	res.Iterations = agg.Iteration
	res.Report = agg.Report
	return res, fmt.Errorf("run %s stopped at %s: %w", res.RunID, node, err)
}

// publish sends a progress event; failures are logged and ignored
func publish(ctx workflow.Context, runID string, evt streaming.Event) {
	evt.Timestamp = workflow.Now(ctx).UTC()
	ectx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: eventTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	if err := workflow.ExecuteActivity(ectx, constants.EmitEventActivity, activities.EmitEventInput{RunID: runID, Event: evt}).Get(ectx, nil); err != nil {
		workflow.GetLogger(ctx).Debug("Failed to emit event", "run_id", runID, "type", evt.Type, "error", err)
	}
}
