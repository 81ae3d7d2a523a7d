package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/search"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newExec(t *testing.T) *executor.Executor {
	return executor.New(executor.Config{Clock: func() time.Time { return fixedNow }}, zaptest.NewLogger(t))
}

// scripted replays responses in order and records every request
type scripted struct {
	mu        sync.Mutex
	responses []response
	requests  []llm.Request
}

type response struct {
	out string
	err error
}

func (s *scripted) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return r.out, r.err
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func ok(out string) response { return response{out: out} }

func contents(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func TestPlanner_Plan(t *testing.T) {
	inf := &scripted{responses: []response{ok(`<think>hmm</think>{"search_queries":[
		{"query":" Versace creative director 2025 ","reason":"current holder"},
		{"query":"versace creative director 2025","reason":"dup"},
		{"query":"","reason":"blank"},
		{"query":"Dario Vitale Versace appointment","reason":"confirm"}]}`)}}
	p := NewPlanner(inf, newExec(t), 0, zaptest.NewLogger(t))
	s := state.New("Qui est le directeur artistique de Versace ?")

	part := p.Plan(context.Background(), &s)
	require.NotNil(t, part.SearchQueries)
	assert.Equal(t, []state.QueryItem{
		{Query: "Versace creative director 2025", Reason: "current holder"},
		{Query: "Dario Vitale Versace appointment", Reason: "confirm"},
	}, *part.SearchQueries)

	require.Equal(t, 1, inf.calls())
	prompt := contents(inf.requests[0].Messages)
	assert.Contains(t, prompt, "[USER QUERY]: Qui est le directeur artistique de Versace ?")
	assert.Contains(t, prompt, "[CURRENT DATE AND TIME]: 2026-03-14 09:30:00 UTC")
	assert.NotContains(t, prompt, "[PREVIOUS REVIEW]")
	assert.NotContains(t, prompt, "[SUMMARIES]:")
	assert.JSONEq(t, string(planSchema), string(inf.requests[0].Schema))
}

func TestPlanner_CapAndPreviousReview(t *testing.T) {
	inf := &scripted{responses: []response{ok(`{"search_queries":[{"query":"a","reason":""},{"query":"b","reason":""},{"query":"c","reason":""}]}`)}}
	p := NewPlanner(inf, newExec(t), 2, zaptest.NewLogger(t))
	s := state.New("q")
	s.Review = state.Incomplete("The appointment date is missing.")

	part := p.Plan(context.Background(), &s)
	assert.Len(t, *part.SearchQueries, 2)
	assert.Contains(t, contents(inf.requests[0].Messages), "[PREVIOUS REVIEW]: The appointment date is missing.")
}

func TestPlanner_ReplanSeesCollectedSummaries(t *testing.T) {
	inf := &scripted{responses: []response{ok(`{"search_queries":[{"query":"Versace appointment date","reason":"gap"}]}`)}}
	p := NewPlanner(inf, newExec(t), 0, zaptest.NewLogger(t))
	s := state.New("q")
	s.Iteration = 1
	s.Summaries = []state.Summary{{URL: "https://example.com/versace", Summary: "Dario Vitale leads Versace."}}
	s.Review = state.Incomplete("The appointment date is missing.")

	p.Plan(context.Background(), &s)
	prompt := contents(inf.requests[0].Messages)
	assert.Contains(t, prompt, `[SUMMARIES]: [{"url":"https://example.com/versace","summary":"Dario Vitale leads Versace."}]`)
	assert.Contains(t, prompt, "[PREVIOUS REVIEW]: The appointment date is missing.")
}

func TestPlanner_FallbackAfterFiveAttempts(t *testing.T) {
	inf := &scripted{responses: []response{ok("not json at all")}}
	p := NewPlanner(inf, newExec(t), 0, zaptest.NewLogger(t))
	s := state.New("q")

	part := p.Plan(context.Background(), &s)
	assert.Equal(t, 5, inf.calls())
	assert.Equal(t, PlanFallback(), *part.SearchQueries)
}

func TestPlanner_EmptyListIsInvalid(t *testing.T) {
	inf := &scripted{responses: []response{
		ok(`{"search_queries":[]}`),
		ok(`{"search_queries":[{"query":"ok","reason":"r"}]}`),
	}}
	p := NewPlanner(inf, newExec(t), 0, zaptest.NewLogger(t))
	s := state.New("q")

	part := p.Plan(context.Background(), &s)
	assert.Equal(t, 2, inf.calls())
	assert.Equal(t, "ok", (*part.SearchQueries)[0].Query)
}

func TestPlanner_UnknownModelIsPermanent(t *testing.T) {
	inf := &scripted{responses: []response{{err: llm.ErrModelNotFound}}}
	p := NewPlanner(inf, newExec(t), 0, zaptest.NewLogger(t))
	s := state.New("q")

	part := p.Plan(context.Background(), &s)
	assert.Equal(t, 1, inf.calls())
	assert.Equal(t, PlanFallback(), *part.SearchQueries)
}

func TestReviewer_OpenBreakerFallsBackAfterOneAttempt(t *testing.T) {
	inf := &scripted{responses: []response{{err: fmt.Errorf("failed to call inference service: %w", circuitbreaker.ErrCircuitBreakerOpen)}}}
	r := NewReviewer(inf, newExec(t), zaptest.NewLogger(t))
	s := state.New("q")

	part := r.Review(context.Background(), &s, 3)
	assert.Equal(t, 1, inf.calls())
	require.NotNil(t, part.Review)
	assert.Equal(t, ReviewFailedMessage, part.Review.Justification)
}

type fakeSearcher struct {
	hits  []search.Result
	err   error
	calls int
}

func (f *fakeSearcher) Search(_ context.Context, _ string) ([]search.Result, error) {
	f.calls++
	return f.hits, f.err
}

type fakeFetcher struct {
	pages   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.fetched = append(f.fetched, url)
	page, ok := f.pages[url]
	if !ok {
		return "", errors.New("404")
	}
	return page, nil
}

// firstPassages returns one passage per document in input order
type firstPassages struct {
	query string
	err   error
}

func (f *firstPassages) SelectRelevant(_ context.Context, query string, docs []retrieval.Document) ([]retrieval.Passage, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	out := make([]retrieval.Passage, len(docs))
	for i, d := range docs {
		out[i] = retrieval.Passage{URL: d.URL, Content: d.Content}
	}
	return out, nil
}

func subInput(query string, known ...string) state.SubInput {
	in := state.SubInput{Index: 0, UserQuery: "who leads Versace", SearchQuery: state.QueryItem{Query: query, Reason: "r"}}
	for _, u := range known {
		in.SearchResults = append(in.SearchResults, state.SearchResult{URL: u, Content: "old"})
	}
	return in
}

func TestResearcher_Research(t *testing.T) {
	s := &fakeSearcher{hits: []search.Result{
		{URL: "https://known.example"},
		{URL: "https://a.example"},
		{URL: "https://broken.example"},
		{URL: "https://b.example"},
	}}
	f := &fakeFetcher{pages: map[string]string{
		"https://a.example": "Dario Vitale was named creative director.",
		"https://b.example": "Weather in Milan.",
	}}
	rank := &firstPassages{}
	inf := &scripted{responses: []response{
		ok(`{"summary":"Dario Vitale is creative director."}`),
		ok(`{"summary":"  "}`),
	}}
	r := NewResearcher(s, f, rank, inf, newExec(t), zaptest.NewLogger(t))

	part := r.Research(context.Background(), subInput("versace director", "https://known.example"))

	assert.Equal(t, []string{"https://a.example", "https://broken.example", "https://b.example"}, f.fetched)
	assert.Equal(t, []state.SearchResult{
		{URL: "https://a.example", Content: "Dario Vitale was named creative director."},
		{URL: "https://b.example", Content: "Weather in Milan."},
	}, part.SearchResults)
	assert.Equal(t, []state.Summary{{URL: "https://a.example", Summary: "Dario Vitale is creative director."}}, part.Summaries)
	assert.Equal(t, "who leads Versace", rank.query, "passages are ranked against the user query")

	prompt := contents(inf.requests[0].Messages)
	assert.Contains(t, prompt, "[URL]: https://a.example")
	assert.Contains(t, prompt, "[PAGE SNIPPET]: Dario Vitale was named creative director.")
}

func TestResearcher_DegradedPaths(t *testing.T) {
	t.Run("empty query skips search", func(t *testing.T) {
		s := &fakeSearcher{}
		r := NewResearcher(s, &fakeFetcher{}, &firstPassages{}, &scripted{}, newExec(t), zaptest.NewLogger(t))
		assert.True(t, r.Research(context.Background(), subInput("  ")).IsEmpty())
		assert.Zero(t, s.calls)
	})

	t.Run("search error", func(t *testing.T) {
		s := &fakeSearcher{err: errors.New("rate limited")}
		r := NewResearcher(s, &fakeFetcher{}, &firstPassages{}, &scripted{}, newExec(t), zaptest.NewLogger(t))
		assert.True(t, r.Research(context.Background(), subInput("q")).IsEmpty())
	})

	t.Run("all results already known", func(t *testing.T) {
		s := &fakeSearcher{hits: []search.Result{{URL: "https://known.example"}}}
		f := &fakeFetcher{}
		r := NewResearcher(s, f, &firstPassages{}, &scripted{}, newExec(t), zaptest.NewLogger(t))
		assert.True(t, r.Research(context.Background(), subInput("q", "https://known.example")).IsEmpty())
		assert.Empty(t, f.fetched)
	})

	t.Run("ranking error keeps pages", func(t *testing.T) {
		s := &fakeSearcher{hits: []search.Result{{URL: "https://a.example"}}}
		f := &fakeFetcher{pages: map[string]string{"https://a.example": "content here"}}
		r := NewResearcher(s, f, &firstPassages{err: errors.New("boom")}, &scripted{}, newExec(t), zaptest.NewLogger(t))
		part := r.Research(context.Background(), subInput("q"))
		assert.Len(t, part.SearchResults, 1)
		assert.Empty(t, part.Summaries)
	})

	t.Run("exhausted summary is skipped", func(t *testing.T) {
		s := &fakeSearcher{hits: []search.Result{{URL: "https://a.example"}}}
		f := &fakeFetcher{pages: map[string]string{"https://a.example": "content here"}}
		inf := &scripted{responses: []response{{err: errors.New("timeout")}}}
		r := NewResearcher(s, f, &firstPassages{}, inf, newExec(t), zaptest.NewLogger(t))
		part := r.Research(context.Background(), subInput("q"))
		assert.Len(t, part.SearchResults, 1)
		assert.Empty(t, part.Summaries)
		assert.Equal(t, 5, inf.calls())
	})
}

func TestReviewer_Review(t *testing.T) {
	s := state.New("who leads Versace")
	s.Iteration = 2
	s.Summaries = []state.Summary{{URL: "https://a.example", Summary: "Dario Vitale."}}

	inf := &scripted{responses: []response{ok(`{"is_search_complete": true, "justification": "Name found."}`)}}
	part := NewReviewer(inf, newExec(t), zaptest.NewLogger(t)).Review(context.Background(), &s, 3)
	require.NotNil(t, part.Review)
	assert.Equal(t, state.Complete("Name found."), *part.Review)

	prompt := contents(inf.requests[0].Messages)
	assert.Contains(t, prompt, "[SEARCH ITERATION]: 2")
	assert.Contains(t, prompt, "[MAX SEARCH ITERATIONS]: 3")
	assert.Contains(t, prompt, `[SUMMARIES]: [{"url":"https://a.example","summary":"Dario Vitale."}]`)

	inf = &scripted{responses: []response{ok(`{"is_search_complete": false, "justification": "Date missing."}`)}}
	part = NewReviewer(inf, newExec(t), zaptest.NewLogger(t)).Review(context.Background(), &s, 3)
	assert.Equal(t, state.Incomplete("Date missing."), *part.Review)
}

func TestReviewer_Fallback(t *testing.T) {
	s := state.New("q")
	inf := &scripted{responses: []response{ok(`{"justification": "forgot the flag"}`)}}
	part := NewReviewer(inf, newExec(t), zaptest.NewLogger(t)).Review(context.Background(), &s, 3)

	assert.Equal(t, 5, inf.calls())
	assert.Equal(t, state.Incomplete("An error occurred during review."), *part.Review)
	assert.False(t, part.Review.IsSearchComplete())
}

func TestWriter_Write(t *testing.T) {
	s := state.New("who leads Versace")
	s.Summaries = []state.Summary{{URL: "https://a.example", Summary: "Dario Vitale."}}

	inf := &scripted{responses: []response{ok("```json\n{\"report\": \"Dario Vitale [https://a.example]\"}\n```")}}
	part := NewWriter(inf, newExec(t), zaptest.NewLogger(t)).Write(context.Background(), &s)
	require.NotNil(t, part.Report)
	assert.Equal(t, "Dario Vitale [https://a.example]", *part.Report)
}

func TestWriter_EmptyReportFallsBack(t *testing.T) {
	s := state.New("q")
	inf := &scripted{responses: []response{ok(`{"report": ""}`)}}
	part := NewWriter(inf, newExec(t), zaptest.NewLogger(t)).Write(context.Background(), &s)

	assert.Equal(t, 5, inf.calls())
	assert.Equal(t, WriteFailedReport, *part.Report)
}
