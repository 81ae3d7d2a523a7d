package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/workflows"
)

type recordingTarget struct {
	workflows  []string
	activities []string
}

func (r *recordingTarget) RegisterWorkflowWithOptions(_ interface{}, o workflow.RegisterOptions) {
	r.workflows = append(r.workflows, o.Name)
}

func (r *recordingTarget) RegisterActivityWithOptions(_ interface{}, o activity.RegisterOptions) {
	r.activities = append(r.activities, o.Name)
}

// oneShotRoles answers every node immediately and is satisfied on first review
type oneShotRoles struct{}

func (oneShotRoles) Plan(context.Context, *state.ResearchState) state.Partial {
	return state.Partial{}.WithSearchQueries([]state.QueryItem{{Query: "versace ceo", Reason: "direct"}})
}

func (oneShotRoles) Research(_ context.Context, in state.SubInput) state.Partial {
	return state.Partial{Summaries: []state.Summary{{URL: "https://news.example/" + in.SearchQuery.Query, Summary: "Donatella"}}}
}

func (oneShotRoles) Review(context.Context, *state.ResearchState, int) state.Partial {
	return state.Partial{}.WithReview(state.Complete("answered"))
}

func (oneShotRoles) Write(_ context.Context, s *state.ResearchState) state.Partial {
	return state.Partial{}.WithReport(s.Summaries[0].Summary)
}

func TestRegistersOptionalActivities(t *testing.T) {
	acts := activities.NewActivities(activities.Deps{}, nil)

	base := &recordingTarget{}
	reg := NewResearchRegistry(Config{}, acts, zaptest.NewLogger(t))
	require.NoError(t, reg.RegisterWorkflows(base))
	require.NoError(t, reg.RegisterActivities(base))
	assert.Equal(t, []string{constants.ResearchWorkflow}, base.workflows)
	assert.Len(t, base.activities, 4)
	assert.NotContains(t, base.activities, constants.SaveReportActivity)

	full := &recordingTarget{}
	reg = NewResearchRegistry(Config{EnableEvents: true, EnableReports: true}, acts, nil)
	require.NoError(t, reg.RegisterActivities(full))
	assert.ElementsMatch(t, []string{
		constants.PlanQueriesActivity,
		constants.ResearchQueryActivity,
		constants.ReviewFindingsActivity,
		constants.WriteReportActivity,
		constants.SaveReportActivity,
		constants.EmitEventActivity,
	}, full.activities)

	assert.Error(t, NewResearchRegistry(Config{}, nil, nil).RegisterActivities(full))
}

func TestRegisteredWorkflowRunsEndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := reports.NewFileStore(t.TempDir(), reports.FormatYAML)
	require.NoError(t, err)
	events := streaming.NewManager(streaming.Config{}, nil, logger)
	roles := oneShotRoles{}
	acts := activities.NewActivities(activities.Deps{
		Planner: roles, Researcher: roles, Reviewer: roles, Writer: roles,
		Reports: store, Events: events,
	}, logger)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	reg := NewResearchRegistry(Config{EnableEvents: true, EnableReports: true}, acts, logger)
	require.NoError(t, reg.RegisterWorkflows(env))
	require.NoError(t, reg.RegisterActivities(env))

	env.ExecuteWorkflow(constants.ResearchWorkflow, workflows.ResearchInput{
		Query: "who leads Versace", RunID: "run-e2e", SaveReport: true, EmitEvents: true,
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res orchestrator.Result
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, "Donatella", res.Report)
	assert.Equal(t, 1, res.Iterations)

	rec, err := store.Get(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, "Donatella", rec.Report)

	replay := events.ReplaySince("run-e2e", 0)
	require.NotEmpty(t, replay)
	assert.Equal(t, streaming.EventRunStarted, replay[0].Type)
	assert.True(t, replay[len(replay)-1].Terminal())
}
