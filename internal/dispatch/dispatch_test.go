package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

func inputsFor(queries ...string) []state.SubInput {
	agg := state.New("user query")
	items := make([]state.QueryItem, len(queries))
	for i, q := range queries {
		items[i] = state.QueryItem{Query: q}
	}
	agg = state.Merge(agg, state.Partial{}.WithSearchQueries(items))
	return agg.SubInputs()
}

func TestDispatch_ResultsInSubmissionOrder(t *testing.T) {
	// later inputs finish first
	branch := func(ctx context.Context, in state.SubInput) state.Partial {
		time.Sleep(time.Duration(5-in.Index) * 5 * time.Millisecond)
		return state.Partial{Summaries: []state.Summary{{URL: in.SearchQuery.Query, Summary: fmt.Sprint(in.Index)}}}
	}
	d := NewParallel(branch, 0, zaptest.NewLogger(t))

	partials := d.Dispatch(context.Background(), inputsFor("a", "b", "c", "d", "e"))
	require.Len(t, partials, 5)
	for i, p := range partials {
		assert.Equal(t, fmt.Sprint(i), p.Summaries[0].Summary)
	}
}

func TestDispatch_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	branch := func(ctx context.Context, in state.SubInput) state.Partial {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return state.Partial{}
	}
	d := NewParallel(branch, 2, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), inputsFor("a", "b", "c", "d", "e", "f"))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatch_PanicBecomesEmptyPartial(t *testing.T) {
	branch := func(ctx context.Context, in state.SubInput) state.Partial {
		if in.Index == 1 {
			panic("branch exploded")
		}
		return state.Partial{Summaries: []state.Summary{{URL: in.SearchQuery.Query}}}
	}
	d := NewParallel(branch, 0, zaptest.NewLogger(t))

	partials := d.Dispatch(context.Background(), inputsFor("a", "b", "c"))
	require.Len(t, partials, 3)
	assert.True(t, partials[1].IsEmpty())
	assert.Len(t, partials[2].Summaries, 1)
}

func TestFanOut_MergeIsDeterministicAcrossCompletionOrders(t *testing.T) {
	mk := func(delays []int) state.ResearchState {
		branch := func(ctx context.Context, in state.SubInput) state.Partial {
			time.Sleep(time.Duration(delays[in.Index]) * time.Millisecond)
			return state.Partial{
				// every branch finds the shared URL; the lowest index must win
				SearchResults: []state.SearchResult{
					{URL: "shared", Content: in.SearchQuery.Query},
					{URL: "own-" + in.SearchQuery.Query, Content: in.SearchQuery.Query},
				},
				Summaries: []state.Summary{{URL: "shared", Summary: in.SearchQuery.Query}},
			}
		}
		d := NewParallel(branch, 0, zaptest.NewLogger(t))
		inputs := inputsFor("a", "b", "c")
		return FanOut(context.Background(), d, state.New("user query"), inputs)
	}

	fast := mk([]int{0, 0, 0})
	reversed := mk([]int{30, 15, 0})

	assert.Equal(t, fast.SearchResults, reversed.SearchResults)
	assert.Equal(t, fast.Summaries, reversed.Summaries)
	assert.Equal(t, "a", reversed.SearchResults[0].Content)
	assert.Len(t, reversed.SearchResults, 4)
	require.NoError(t, reversed.Validate())
}

func TestFanOut_EmptyPartialsLeaveStateUnchanged(t *testing.T) {
	agg := state.Merge(state.New("q"), state.Partial{SearchResults: []state.SearchResult{{URL: "u"}}})
	d := SequentialDispatcher{Branch: func(ctx context.Context, in state.SubInput) state.Partial {
		return state.Partial{SearchResults: []state.SearchResult{}, Summaries: []state.Summary{}}
	}}

	out := FanOut(context.Background(), d, agg, inputsFor("a", "b"))
	assert.Equal(t, agg, out)
}

func TestDispatch_NoInputs(t *testing.T) {
	d := NewParallel(func(ctx context.Context, in state.SubInput) state.Partial {
		t.Fatal("branch must not run")
		return state.Partial{}
	}, 0, nil)
	assert.Empty(t, d.Dispatch(context.Background(), nil))
}
