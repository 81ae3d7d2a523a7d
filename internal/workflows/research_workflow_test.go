package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// mockNodes registers name-based activity mocks. The reviewer is satisfied
// once the iteration reaches completeAt; zero means never.
type mockNodes struct {
	completeAt int
	failBranch string
	// pageLen sets the fetched page size; zero uses a short stub
	pageLen int

	mu      sync.Mutex
	saved   []activities.SaveReportInput
	events  []string
	maxSeen int
	// inputBytes is the largest encoded input seen per activity
	inputBytes map[string]int
}

func (m *mockNodes) recordInput(name string, in interface{}) {
	b, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputBytes == nil {
		m.inputBytes = make(map[string]int)
	}
	if len(b) > m.inputBytes[name] {
		m.inputBytes[name] = len(b)
	}
}

func (m *mockNodes) register(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.PlanInput) (state.Partial, error) {
			m.recordInput(constants.PlanQueriesActivity, in)
			qs := []state.QueryItem{{Query: "a", Reason: "first"}, {Query: "b", Reason: "second"}}
			if in.State.Iteration > 0 {
				qs = []state.QueryItem{{Query: "c", Reason: "follow up"}}
			}
			return state.Partial{}.WithSearchQueries(qs), nil
		},
		activity.RegisterOptions{Name: constants.PlanQueriesActivity},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.ResearchQueryInput) (state.Partial, error) {
			m.recordInput(constants.ResearchQueryActivity, in)
			q := in.Sub.SearchQuery.Query
			if q == m.failBranch {
				return state.Partial{}, errors.New("search backend down")
			}
			url := "https://example.com/" + q
			content := "page " + q
			if m.pageLen > 0 {
				content = strings.Repeat("x", m.pageLen)
			}
			return state.Partial{
				SearchResults: []state.SearchResult{{URL: url, Content: content}},
				Summaries:     []state.Summary{{URL: url, Summary: "summary " + q}},
			}, nil
		},
		activity.RegisterOptions{Name: constants.ResearchQueryActivity},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.ReviewInput) (state.Partial, error) {
			m.recordInput(constants.ReviewFindingsActivity, in)
			m.mu.Lock()
			m.maxSeen = in.MaxIterations
			m.mu.Unlock()
			if m.completeAt > 0 && in.State.Iteration >= m.completeAt {
				return state.Partial{}.WithReview(state.Complete("covered")), nil
			}
			return state.Partial{}.WithReview(state.Incomplete("need more")), nil
		},
		activity.RegisterOptions{Name: constants.ReviewFindingsActivity},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.WriteInput) (state.Partial, error) {
			m.recordInput(constants.WriteReportActivity, in)
			return state.Partial{}.WithReport(fmt.Sprintf("report with %d summaries", len(in.State.Summaries))), nil
		},
		activity.RegisterOptions{Name: constants.WriteReportActivity},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.SaveReportInput) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.saved = append(m.saved, in)
			return nil
		},
		activity.RegisterOptions{Name: constants.SaveReportActivity},
	)
	env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.EmitEventInput) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.events = append(m.events, in.Event.Type)
			return nil
		},
		activity.RegisterOptions{Name: constants.EmitEventActivity},
	)
}

func run(t *testing.T, m *mockNodes, input ResearchInput) (orchestrator.Result, error) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	m.register(env)

	env.ExecuteWorkflow(ResearchWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	if err := env.GetWorkflowError(); err != nil {
		return orchestrator.Result{}, err
	}
	var res orchestrator.Result
	require.NoError(t, env.GetWorkflowResult(&res))
	return res, nil
}

func TestResearchWorkflow_CompletesOnFirstReview(t *testing.T) {
	m := &mockNodes{completeAt: 1}
	res, err := run(t, m, ResearchInput{Query: "who leads Versace", RunID: "run-1", SaveReport: true, EmitEvents: true})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Forced)
	assert.Equal(t, "report with 2 summaries", res.Report)

	// merged in submission order
	require.Len(t, res.State.SearchResults, 2)
	assert.Equal(t, "https://example.com/a", res.State.SearchResults[0].URL)
	assert.Equal(t, "https://example.com/b", res.State.SearchResults[1].URL)
	assert.True(t, res.State.Review.IsSearchComplete())

	require.Len(t, m.saved, 1)
	assert.Equal(t, "run-1", m.saved[0].Name)
	assert.Equal(t, "who leads Versace", m.saved[0].Record.UserQuery)

	require.NotEmpty(t, m.events)
	assert.Equal(t, "RUN_STARTED", m.events[0])
	assert.Equal(t, "RUN_COMPLETED", m.events[len(m.events)-1])
	assert.Contains(t, m.events, "REPORT_SAVED")
}

func TestResearchWorkflow_IterationCapForcesWrite(t *testing.T) {
	m := &mockNodes{}
	res, err := run(t, m, ResearchInput{Query: "q", MaxIterations: 2, EmitEvents: true})
	require.NoError(t, err)

	assert.True(t, res.Forced)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, m.maxSeen)
	// accumulated across both iterations: a, b then c
	require.Len(t, res.State.Summaries, 3)
	assert.Equal(t, "summary c", res.State.Summaries[2].Summary)
	assert.Equal(t, []state.QueryItem{{Query: "c", Reason: "follow up"}}, res.State.SearchQueries)
	assert.Contains(t, m.events, "FORCED_COMPLETION")
	assert.Empty(t, m.saved)
}

func TestResearchWorkflow_FailedBranchContributesNothing(t *testing.T) {
	m := &mockNodes{completeAt: 1, failBranch: "a"}
	res, err := run(t, m, ResearchInput{Query: "q"})
	require.NoError(t, err)

	require.Len(t, res.State.SearchResults, 1)
	assert.Equal(t, "https://example.com/b", res.State.SearchResults[0].URL)
	assert.Equal(t, "report with 1 summaries", res.Report)
}

func TestResearchWorkflow_ActivityInputsIgnorePageSize(t *testing.T) {
	small := &mockNodes{pageLen: 10}
	_, err := run(t, small, ResearchInput{Query: "q", MaxIterations: 2})
	require.NoError(t, err)

	large := &mockNodes{pageLen: 125000}
	res, err := run(t, large, ResearchInput{Query: "q", MaxIterations: 2})
	require.NoError(t, err)

	require.Len(t, large.inputBytes, 4)
	assert.Equal(t, small.inputBytes, large.inputBytes)
	for name, n := range large.inputBytes {
		assert.Less(t, n, 4096, name)
	}

	// the result carries URLs, not pages
	require.Len(t, res.State.SearchResults, 3)
	for _, r := range res.State.SearchResults {
		assert.NotEmpty(t, r.URL)
		assert.Empty(t, r.Content)
	}
}

func TestResearchWorkflow_EmptyQuery(t *testing.T) {
	_, err := run(t, &mockNodes{}, ResearchInput{Query: "  "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), orchestrator.ErrEmptyQuery.Error())
}
