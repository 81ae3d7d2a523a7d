package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/workflows"
)

// ErrDuplicateRun is returned when a workflow with the run ID already exists
var ErrDuplicateRun = errors.New("run already exists")

// RunnerOptions shape the workflow input of every run
type RunnerOptions struct {
	TaskQueue string
	// MaxIterations is read per run so hot reloads apply to new runs
	MaxIterations func() int
	NodeTimeout   time.Duration
	SaveReport    bool
	EmitEvents    bool
}

// Runner starts ResearchWorkflow and waits for its result
type Runner struct {
	client client.Client
	opts   RunnerOptions
	logger *zap.Logger
}

// NewRunner creates a runner on an established client
func NewRunner(c client.Client, opts RunnerOptions, logger *zap.Logger) *Runner {
	if opts.TaskQueue == "" {
		opts.TaskQueue = constants.DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: c, opts: opts, logger: logger}
}

// RunWithID starts a workflow whose ID is the run ID and blocks until it ends
func (r *Runner) RunWithID(ctx context.Context, runID, query string) (orchestrator.Result, error) {
	input := workflows.ResearchInput{
		Query:       query,
		RunID:       runID,
		NodeTimeout: r.opts.NodeTimeout,
		SaveReport:  r.opts.SaveReport,
		EmitEvents:  r.opts.EmitEvents,
	}
	if r.opts.MaxIterations != nil {
		input.MaxIterations = r.opts.MaxIterations()
	}

	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    runID,
		TaskQueue:             r.opts.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, constants.ResearchWorkflow, input)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return orchestrator.Result{RunID: runID}, fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}
	if err != nil {
		return orchestrator.Result{RunID: runID}, fmt.Errorf("start workflow: %w", err)
	}
	r.logger.Info("Research workflow submitted",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)

	var res orchestrator.Result
	if err := run.Get(ctx, &res); err != nil {
		res.RunID = runID
		return res, fmt.Errorf("workflow %s: %w", runID, err)
	}
	return res, nil
}
