package router

import (
	"errors"
	"fmt"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// Node is a position in the research graph
type Node string

const (
	Plan     Node = "PLAN"
	Research Node = "RESEARCH"
	Review   Node = "REVIEW"
	Write    Node = "WRITE"
	Done     Node = "DONE"
)

// Start is the first node of every run
const Start = Plan

// DefaultMaxIterations caps plan/research/review cycles
const DefaultMaxIterations = 3

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrTerminal    = errors.New("no transition out of DONE")
)

// Predicate decides whether an edge applies to the current aggregate
type Predicate func(s *state.ResearchState) bool

// Edge is one row of the transition table
type Edge struct {
	From Node
	To   Node
	When Predicate
	Name string
}

func always(*state.ResearchState) bool { return true }

func searchComplete(s *state.ResearchState) bool { return s.Review.IsSearchComplete() }

func searchIncomplete(s *state.ResearchState) bool { return !s.Review.IsSearchComplete() }

// Edges is the transition table, evaluated top to bottom per source node
var Edges = []Edge{
	{From: Plan, To: Research, When: always, Name: "always"},
	{From: Research, To: Review, When: always, Name: "always"},
	{From: Review, To: Write, When: searchComplete, Name: "complete"},
	{From: Review, To: Plan, When: searchIncomplete, Name: "incomplete"},
	{From: Write, To: Done, When: always, Name: "always"},
}

// Decision is the outcome of one routing step
type Decision struct {
	Next Node
	Edge string
	// Forced is set when the iteration cap overrode an Incomplete verdict
	Forced bool
}

// Router picks the next node after each merge
type Router struct {
	maxIterations int
}

// New creates a router; maxIterations <= 0 uses DefaultMaxIterations
func New(maxIterations int) *Router {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Router{maxIterations: maxIterations}
}

// MaxIterations returns the cap
func (r *Router) MaxIterations() int {
	return r.maxIterations
}

// Next returns the node that follows from given the merged aggregate
func (r *Router) Next(from Node, s *state.ResearchState) (Decision, error) {
	if from == Done {
		return Decision{}, ErrTerminal
	}

	if from == Review && s.Iteration >= r.maxIterations && !s.Review.IsSearchComplete() {
		return Decision{Next: Write, Edge: "iteration_cap", Forced: true}, nil
	}

	matched := false
	for _, e := range Edges {
		if e.From != from {
			continue
		}
		matched = true
		if e.When(s) {
			return Decision{Next: e.To, Edge: e.Name}, nil
		}
	}
	if !matched {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	return Decision{}, fmt.Errorf("no edge out of %s matched", from)
}
