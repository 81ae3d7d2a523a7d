package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// Dispatcher runs one branch per sub-input and returns their partials in
// submission order. It returns only after every branch has finished.
type Dispatcher interface {
	Dispatch(ctx context.Context, inputs []state.SubInput) []state.Partial
}

// Branch is the work performed for one sub-input
type Branch func(ctx context.Context, in state.SubInput) state.Partial

// ParallelDispatcher runs branches on goroutines
type ParallelDispatcher struct {
	branch         Branch
	maxConcurrency atomic.Int32
	logger         *zap.Logger
}

// NewParallel creates a dispatcher. maxConcurrency <= 0 means one goroutine per input.
func NewParallel(branch Branch, maxConcurrency int, logger *zap.Logger) *ParallelDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &ParallelDispatcher{branch: branch, logger: logger}
	d.SetMaxConcurrency(maxConcurrency)
	return d
}

// SetMaxConcurrency changes the concurrency bound for subsequent dispatches
func (d *ParallelDispatcher) SetMaxConcurrency(n int) {
	if n < 0 {
		n = 0
	}
	d.maxConcurrency.Store(int32(n))
}

// Dispatch implements Dispatcher
func (d *ParallelDispatcher) Dispatch(ctx context.Context, inputs []state.SubInput) []state.Partial {
	results := make([]state.Partial, len(inputs))
	if len(inputs) == 0 {
		return results
	}

	var g errgroup.Group
	if limit := int(d.maxConcurrency.Load()); limit > 0 {
		g.SetLimit(limit)
	}

	for i, in := range inputs {
		i, in := i, in
		metrics.BranchesDispatched.Inc()
		g.Go(func() error {
			results[i] = d.runBranch(ctx, i, in)
			return nil
		})
	}
	// Branches never return errors; Wait is the join barrier.
	_ = g.Wait()

	d.logger.Debug("Fan-out joined", zap.Int("branches", len(inputs)))
	return results
}

func (d *ParallelDispatcher) runBranch(ctx context.Context, index int, in state.SubInput) (p state.Partial) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BranchPanics.Inc()
			d.logger.Error("Research branch panicked",
				zap.Int("index", index),
				zap.String("query", in.SearchQuery.Query),
				zap.String("panic", fmt.Sprint(r)),
			)
			p = state.Partial{}
		}
	}()
	return d.branch(ctx, in)
}

// SequentialDispatcher runs branches one at a time. Used for deterministic
// debugging and as the single-worker configuration.
type SequentialDispatcher struct {
	Branch Branch
}

// Dispatch implements Dispatcher
func (d SequentialDispatcher) Dispatch(ctx context.Context, inputs []state.SubInput) []state.Partial {
	results := make([]state.Partial, len(inputs))
	for i, in := range inputs {
		results[i] = d.Branch(ctx, in)
	}
	return results
}

// FanOut dispatches inputs and merges the partials into agg in ascending
// submission index, regardless of completion order.
func FanOut(ctx context.Context, d Dispatcher, agg state.ResearchState, inputs []state.SubInput) state.ResearchState {
	partials := d.Dispatch(ctx, inputs)
	before := len(agg.SearchResults)
	summariesBefore := len(agg.Summaries)

	agg = state.MergeAll(agg, partials...)

	metrics.MergedItems.WithLabelValues(state.FieldSearchResults).Add(float64(len(agg.SearchResults) - before))
	metrics.MergedItems.WithLabelValues(state.FieldSummaries).Add(float64(len(agg.Summaries) - summariesBefore))
	return agg
}
