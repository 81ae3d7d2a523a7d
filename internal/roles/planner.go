package roles

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// DefaultMaxQueries caps the queries kept from one planning pass
const DefaultMaxQueries = 5

// Planner turns the user query into search queries
type Planner struct {
	llm        Inference
	exec       *executor.Executor
	maxQueries int
	logger     *zap.Logger
}

// NewPlanner creates a planner; maxQueries <= 0 uses DefaultMaxQueries
func NewPlanner(inf Inference, exec *executor.Executor, maxQueries int, logger *zap.Logger) *Planner {
	if maxQueries <= 0 {
		maxQueries = DefaultMaxQueries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{llm: inf, exec: exec, maxQueries: maxQueries, logger: logger}
}

type planOutput struct {
	SearchQueries []state.QueryItem `json:"search_queries"`
}

// PlanFallback is the single placeholder query used when planning fails
func PlanFallback() []state.QueryItem {
	return []state.QueryItem{{Query: "", Reason: PlanFailedReason}}
}

// Plan produces the partial that replaces SearchQueries
func (p *Planner) Plan(ctx context.Context, s *state.ResearchState) state.Partial {
	call := func(ctx context.Context, inv executor.Invocation) ([]state.QueryItem, error) {
		var out planOutput
		if err := complete(ctx, p.llm, inv.Role, plannerMessages(s, inv.Now), planSchema, &out); err != nil {
			return nil, err
		}
		return p.clean(out.SearchQueries), nil
	}

	queries := executor.Execute(ctx, p.exec, executor.RolePlan, call, validateQueries, PlanFallback())
	p.logger.Info("Planned search queries",
		zap.Int("iteration", s.Iteration),
		zap.Int("count", len(queries)),
		zap.Any("search_queries", queries),
	)
	return state.Partial{}.WithSearchQueries(queries)
}

// clean trims queries, drops blanks and duplicates, and applies the cap
func (p *Planner) clean(items []state.QueryItem) []state.QueryItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]state.QueryItem, 0, len(items))
	for _, it := range items {
		it.Query = strings.TrimSpace(it.Query)
		it.Reason = strings.TrimSpace(it.Reason)
		key := strings.ToLower(it.Query)
		if it.Query == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
		if len(out) == p.maxQueries {
			break
		}
	}
	return out
}

func validateQueries(qs []state.QueryItem) error {
	if len(qs) == 0 {
		return errors.New("planner returned no usable queries")
	}
	return nil
}
