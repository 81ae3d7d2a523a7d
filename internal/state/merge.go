package state

import "sort"

// Policy is how a field of the aggregate absorbs a partial update
type Policy int

const (
	// Overwrite replaces the field when the partial carries it
	Overwrite Policy = iota
	// Accumulate appends the partial's elements, dropping duplicate keys
	Accumulate
)

func (p Policy) String() string {
	if p == Accumulate {
		return "accumulate"
	}
	return "overwrite"
}

// Field names used in partial updates
const (
	FieldSearchQueries = "search_queries"
	FieldSearchResults = "search_results"
	FieldSummaries     = "summaries"
	FieldReview        = "review"
	FieldReport        = "report"
	FieldIteration     = "iteration"
)

var fieldPolicies = map[string]Policy{
	FieldSearchQueries: Overwrite,
	FieldSearchResults: Accumulate,
	FieldSummaries:     Accumulate,
	FieldReview:        Overwrite,
	FieldReport:        Overwrite,
	FieldIteration:     Overwrite,
}

// PolicyFor returns the merge policy of a field
func PolicyFor(field string) (Policy, bool) {
	p, ok := fieldPolicies[field]
	return p, ok
}

// Partial is a node's contribution to the aggregate. Nil overwrite fields are
// absent; empty accumulate fields contribute nothing.
type Partial struct {
	SearchQueries *[]QueryItem   `json:"search_queries,omitempty"`
	SearchResults []SearchResult `json:"search_results,omitempty"`
	Summaries     []Summary      `json:"summaries,omitempty"`
	Review        *Verdict       `json:"review,omitempty"`
	Report        *string        `json:"report,omitempty"`
	Iteration     *int           `json:"iteration,omitempty"`
}

// WithSearchQueries sets the planned queries
func (p Partial) WithSearchQueries(q []QueryItem) Partial {
	cp := append([]QueryItem{}, q...)
	p.SearchQueries = &cp
	return p
}

// WithReview sets the verdict
func (p Partial) WithReview(v Verdict) Partial {
	p.Review = &v
	return p
}

// WithReport sets the report text
func (p Partial) WithReport(r string) Partial {
	p.Report = &r
	return p
}

// WithIteration sets the loop counter
func (p Partial) WithIteration(i int) Partial {
	p.Iteration = &i
	return p
}

// IsEmpty reports whether merging p is a no-op
func (p Partial) IsEmpty() bool {
	return p.SearchQueries == nil && len(p.SearchResults) == 0 && len(p.Summaries) == 0 &&
		p.Review == nil && p.Report == nil && p.Iteration == nil
}

// Fields lists the fields p carries, sorted
func (p Partial) Fields() []string {
	var fields []string
	if p.SearchQueries != nil {
		fields = append(fields, FieldSearchQueries)
	}
	if len(p.SearchResults) > 0 {
		fields = append(fields, FieldSearchResults)
	}
	if len(p.Summaries) > 0 {
		fields = append(fields, FieldSummaries)
	}
	if p.Review != nil {
		fields = append(fields, FieldReview)
	}
	if p.Report != nil {
		fields = append(fields, FieldReport)
	}
	if p.Iteration != nil {
		fields = append(fields, FieldIteration)
	}
	sort.Strings(fields)
	return fields
}

// Merge folds a partial into the aggregate and returns the new aggregate.
// agg is left untouched: accumulated slices are always reallocated.
func Merge(agg ResearchState, p Partial) ResearchState {
	out := agg

	if p.SearchQueries != nil {
		out.SearchQueries = append([]QueryItem{}, (*p.SearchQueries)...)
	}
	if len(p.SearchResults) > 0 {
		out.SearchResults = appendUniqueResults(agg.SearchResults, p.SearchResults)
	}
	if len(p.Summaries) > 0 {
		merged := make([]Summary, 0, len(agg.Summaries)+len(p.Summaries))
		merged = append(merged, agg.Summaries...)
		out.Summaries = append(merged, p.Summaries...)
	}
	if p.Review != nil {
		out.Review = *p.Review
	}
	if p.Report != nil {
		out.Report = *p.Report
	}
	if p.Iteration != nil {
		out.Iteration = *p.Iteration
	}
	return out
}

// MergeAll folds partials in slice order
func MergeAll(agg ResearchState, partials ...Partial) ResearchState {
	for _, p := range partials {
		agg = Merge(agg, p)
	}
	return agg
}

func appendUniqueResults(existing, incoming []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]SearchResult, 0, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.URL] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range incoming {
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		merged = append(merged, r)
	}
	return merged
}
