package roles

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// Reviewer judges whether the collected summaries answer the user query
type Reviewer struct {
	llm    Inference
	exec   *executor.Executor
	logger *zap.Logger
}

// NewReviewer creates a reviewer
func NewReviewer(inf Inference, exec *executor.Executor, logger *zap.Logger) *Reviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{llm: inf, exec: exec, logger: logger}
}

type reviewOutput struct {
	IsSearchComplete *bool  `json:"is_search_complete"`
	Justification    string `json:"justification"`
}

var errMissingVerdict = errors.New("review output has no is_search_complete field")

// ReviewFallback is the verdict used when review fails
func ReviewFallback() state.Verdict {
	return state.Incomplete(ReviewFailedMessage)
}

// Review produces the partial that replaces the verdict. maxIterations is
// shown to the model next to the current iteration.
func (r *Reviewer) Review(ctx context.Context, s *state.ResearchState, maxIterations int) state.Partial {
	call := func(ctx context.Context, inv executor.Invocation) (state.Verdict, error) {
		var out reviewOutput
		if err := complete(ctx, r.llm, inv.Role, reviewerMessages(s, maxIterations, inv.Now), reviewSchema, &out); err != nil {
			return state.Verdict{}, err
		}
		if out.IsSearchComplete == nil {
			return state.Verdict{}, errMissingVerdict
		}
		j := strings.TrimSpace(out.Justification)
		if *out.IsSearchComplete {
			return state.Complete(j), nil
		}
		return state.Incomplete(j), nil
	}

	verdict := executor.Execute(ctx, r.exec, executor.RoleReview, call, nil, ReviewFallback())
	r.logger.Info("Review finished",
		zap.Int("iteration", s.Iteration),
		zap.Int("summaries", len(s.Summaries)),
		zap.Bool("is_search_complete", verdict.IsSearchComplete()),
		zap.String("justification", verdict.Justification),
	)
	return state.Partial{}.WithReview(verdict)
}
