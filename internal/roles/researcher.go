package roles

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// Researcher runs one search query end to end: search, fetch the pages not
// seen yet, select relevant passages and summarize them.
type Researcher struct {
	search Searcher
	fetch  Fetcher
	rank   Ranker
	llm    Inference
	exec   *executor.Executor
	logger *zap.Logger
}

// NewResearcher creates a research branch runner
func NewResearcher(s Searcher, f Fetcher, r Ranker, inf Inference, exec *executor.Executor, logger *zap.Logger) *Researcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Researcher{search: s, fetch: f, rank: r, llm: inf, exec: exec, logger: logger}
}

type summaryOutput struct {
	Summary string `json:"summary"`
}

// Research is a dispatch branch. Search, fetch and ranking failures shrink the
// partial instead of failing the branch.
func (r *Researcher) Research(ctx context.Context, in state.SubInput) state.Partial {
	ctx, span := tracing.StartSpan(ctx, "research.branch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("research.branch_index", in.Index),
		attribute.String("research.search_query", in.SearchQuery.Query),
	)

	logger := r.logger.With(zap.Int("branch", in.Index), zap.String("search_query", in.SearchQuery.Query))
	query := strings.TrimSpace(in.SearchQuery.Query)
	if query == "" {
		logger.Warn("Skipping empty search query", zap.String("reason", in.SearchQuery.Reason))
		return state.Partial{}
	}

	hits, err := r.search.Search(ctx, query)
	if err != nil {
		logger.Warn("Search failed", zap.Error(err))
		return state.Partial{}
	}

	known := in.KnownURLs()
	var pages []state.SearchResult
	for _, h := range hits {
		if _, seen := known[h.URL]; seen {
			continue
		}
		known[h.URL] = struct{}{}

		content, err := r.fetch.Fetch(ctx, h.URL)
		if err != nil {
			logger.Warn("Fetch failed", zap.String("url", h.URL), zap.Error(err))
			continue
		}
		pages = append(pages, state.SearchResult{URL: h.URL, Content: content})
	}
	if len(pages) == 0 {
		logger.Warn("No new content found for query")
		return state.Partial{}
	}

	docs := make([]retrieval.Document, len(pages))
	for i, p := range pages {
		docs[i] = retrieval.Document{URL: p.URL, Content: p.Content}
	}
	passages, err := r.rank.SelectRelevant(ctx, in.UserQuery, docs)
	if err != nil {
		logger.Warn("Passage ranking failed", zap.Error(err))
		return state.Partial{SearchResults: pages}
	}

	var summaries []state.Summary
	for _, p := range passages {
		if sum, ok := r.summarize(ctx, in.UserQuery, p); ok {
			summaries = append(summaries, sum)
		}
	}

	logger.Info("Research branch finished",
		zap.Int("pages", len(pages)),
		zap.Int("passages", len(passages)),
		zap.Int("summaries", len(summaries)),
	)
	return state.Partial{SearchResults: pages, Summaries: summaries}
}

// summarize reports ok=false when the passage is exhausted or irrelevant
func (r *Researcher) summarize(ctx context.Context, userQuery string, p retrieval.Passage) (state.Summary, bool) {
	call := func(ctx context.Context, inv executor.Invocation) (string, error) {
		var out summaryOutput
		if err := complete(ctx, r.llm, inv.Role, summarizerMessages(userQuery, p.URL, p.Content, inv.Now), summarySchema, &out); err != nil {
			return "", err
		}
		return strings.TrimSpace(out.Summary), nil
	}

	res := executor.Run(ctx, r.exec, executor.RoleSummarize, call, nil, "")
	if res.Fallback || res.Value == "" {
		return state.Summary{}, false
	}
	return state.Summary{URL: p.URL, Summary: res.Value}, true
}
