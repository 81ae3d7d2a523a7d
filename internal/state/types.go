package state

import (
	"fmt"
	"strings"
)

// QueryItem is one planned web search query
type QueryItem struct {
	Query  string `json:"query"`
	Reason string `json:"reason"`
}

// SearchResult is a scraped page keyed by its URL
type SearchResult struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Summary is a query-relevant digest of one passage of a scraped page
type Summary struct {
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// VerdictStatus tags a review verdict
type VerdictStatus string

const (
	// VerdictPending means no review has run yet
	VerdictPending    VerdictStatus = ""
	VerdictComplete   VerdictStatus = "complete"
	VerdictIncomplete VerdictStatus = "incomplete"
)

// Verdict is the reviewer's decision on whether research is sufficient.
// Construct it with Complete or Incomplete.
type Verdict struct {
	Status        VerdictStatus `json:"status"`
	Justification string        `json:"justification"`
}

// Complete builds a verdict that ends the research loop
func Complete(justification string) Verdict {
	return Verdict{Status: VerdictComplete, Justification: justification}
}

// Incomplete builds a verdict that sends control back to planning
func Incomplete(justification string) Verdict {
	return Verdict{Status: VerdictIncomplete, Justification: justification}
}

// IsSearchComplete is the boolean view of the verdict
func (v Verdict) IsSearchComplete() bool {
	return v.Status == VerdictComplete
}

func (v Verdict) String() string {
	switch v.Status {
	case VerdictComplete:
		return "Complete(" + v.Justification + ")"
	case VerdictIncomplete:
		return "Incomplete(" + v.Justification + ")"
	default:
		return "Pending"
	}
}

// ResearchState is the run-scoped aggregate shared by all nodes
type ResearchState struct {
	UserQuery     string         `json:"user_query"`
	SearchQueries []QueryItem    `json:"search_queries"`
	SearchResults []SearchResult `json:"search_results"`
	Summaries     []Summary      `json:"summaries"`
	Review        Verdict        `json:"review"`
	Report        string         `json:"report"`
	Iteration     int            `json:"iteration"`
}

// New returns the initial aggregate for a run
func New(userQuery string) ResearchState {
	return ResearchState{
		UserQuery:     userQuery,
		SearchQueries: []QueryItem{},
		SearchResults: []SearchResult{},
		Summaries:     []Summary{},
	}
}

// Validate checks the aggregate invariants
func (s *ResearchState) Validate() error {
	if strings.TrimSpace(s.UserQuery) == "" {
		return fmt.Errorf("user query cannot be empty")
	}
	if s.Iteration < 0 {
		return fmt.Errorf("iteration cannot be negative, got %d", s.Iteration)
	}

	seen := make(map[string]struct{}, len(s.SearchResults))
	for _, r := range s.SearchResults {
		if _, dup := seen[r.URL]; dup {
			return fmt.Errorf("duplicate search result url: %s", r.URL)
		}
		seen[r.URL] = struct{}{}
	}

	switch s.Review.Status {
	case VerdictPending, VerdictComplete, VerdictIncomplete:
	default:
		return fmt.Errorf("unknown verdict status %q", s.Review.Status)
	}
	return nil
}

// HasURL reports whether a page with this URL is already in the aggregate
func (s *ResearchState) HasURL(url string) bool {
	for _, r := range s.SearchResults {
		if r.URL == url {
			return true
		}
	}
	return false
}

// WithoutContent returns a copy whose search results keep only their URLs.
// Planning, review and writing never read page content.
func (s ResearchState) WithoutContent() ResearchState {
	s.SearchResults = urlsOnly(s.SearchResults)
	return s
}

func urlsOnly(results []SearchResult) []SearchResult {
	if results == nil {
		return nil
	}
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{URL: r.URL}
	}
	return out
}

// SubInput is the read-only slice of the aggregate handed to one research branch
type SubInput struct {
	Index         int            `json:"index"`
	UserQuery     string         `json:"user_query"`
	SearchQuery   QueryItem      `json:"search_query"`
	SearchResults []SearchResult `json:"search_results"`
}

// KnownURLs returns the set of URLs already present in the snapshot
func (in SubInput) KnownURLs() map[string]struct{} {
	known := make(map[string]struct{}, len(in.SearchResults))
	for _, r := range in.SearchResults {
		known[r.URL] = struct{}{}
	}
	return known
}

// WithoutContent returns a copy whose snapshot keeps only URLs, which is all
// a branch needs to skip pages already collected.
func (in SubInput) WithoutContent() SubInput {
	in.SearchResults = urlsOnly(in.SearchResults)
	return in
}

// SubInputs builds one branch input per planned query. Each input carries its
// own copy of the current search results.
func (s *ResearchState) SubInputs() []SubInput {
	inputs := make([]SubInput, 0, len(s.SearchQueries))
	for i, q := range s.SearchQueries {
		snapshot := make([]SearchResult, len(s.SearchResults))
		copy(snapshot, s.SearchResults)
		inputs = append(inputs, SubInput{
			Index:         i,
			UserQuery:     s.UserQuery,
			SearchQuery:   q,
			SearchResults: snapshot,
		})
	}
	return inputs
}
