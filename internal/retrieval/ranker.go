package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

const (
	DefaultTopK            = 3
	DefaultCandidateFactor = 5
)

// Document is a fetched page
type Document struct {
	URL     string
	Content string
}

// Passage is a piece of a page selected for summarization
type Passage struct {
	URL     string
	Content string
	Score   float64
}

// Embedder turns texts into vectors, index-aligned with the input
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes passage selection
type Config struct {
	ChunkSize       int     `mapstructure:"chunk_size"`
	ChunkOverlap    int     `mapstructure:"chunk_overlap"`
	TopK            int     `mapstructure:"top_k"`
	CandidateFactor int     `mapstructure:"candidate_factor"`
	LexicalWeight   float64 `mapstructure:"lexical_weight"`
}

// Ranker selects the passages of a page set most relevant to a query. A
// vector pass keeps TopK*CandidateFactor candidates, then a lexical rerank
// keeps TopK. Without an embedder, or when embedding fails, only the lexical
// score is used.
type Ranker struct {
	splitter *Splitter
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewRanker creates a ranker; embedder may be nil
func NewRanker(cfg Config, embedder Embedder, logger *zap.Logger) *Ranker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = DefaultCandidateFactor
	}
	if cfg.LexicalWeight == 0 {
		cfg.LexicalWeight = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		splitter: NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Chunk splits every page long enough to matter, tagging passages with their URL
func (r *Ranker) Chunk(docs []Document) []Passage {
	var out []Passage
	for _, d := range docs {
		if runeLen(d.Content) < MinPageChars {
			continue
		}
		for _, c := range r.splitter.Split(d.Content) {
			out = append(out, Passage{URL: d.URL, Content: c})
		}
	}
	return out
}

// SelectRelevant returns at most TopK passages ordered by relevance to query
func (r *Ranker) SelectRelevant(ctx context.Context, query string, docs []Document) ([]Passage, error) {
	passages := r.Chunk(docs)
	if len(passages) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := passages
	if r.embedder != nil {
		scores, err := r.denseScores(ctx, query, passages)
		switch {
		case err == nil:
			candidates = topN(passages, scores, r.cfg.TopK*r.cfg.CandidateFactor)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			r.logger.Warn("Embedding failed, ranking passages lexically",
				zap.Int("passages", len(passages)),
				zap.Error(err),
			)
		}
	}

	terms := queryTerms(query)
	for i := range candidates {
		candidates[i].Score += r.cfg.LexicalWeight * lexicalScore(terms, candidates[i].Content)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > r.cfg.TopK {
		candidates = candidates[:r.cfg.TopK]
	}
	return candidates, nil
}

func (r *Ranker) denseScores(ctx context.Context, query string, passages []Passage) ([]float64, error) {
	texts := make([]string, 0, len(passages)+1)
	texts = append(texts, query)
	for _, p := range passages {
		texts = append(texts, p.Content)
	}
	vecs, err := r.embedder.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	scores := make([]float64, len(passages))
	for i := range passages {
		scores[i] = cosine(vecs[0], vecs[i+1])
	}
	return scores, nil
}

// topN keeps the n best passages by score, stable on ties, with Score set
func topN(passages []Passage, scores []float64, n int) []Passage {
	idx := make([]int, len(passages))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if len(idx) > n {
		idx = idx[:n]
	}
	out := make([]Passage, len(idx))
	for i, k := range idx {
		out[i] = passages[k]
		out[i].Score = scores[k]
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// lexicalScore is the share of distinct query terms present in text, with a
// small bonus for repeated mentions. Range [0, 2).
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	var hit, freq float64
	for _, t := range terms {
		if c := counts[t]; c > 0 {
			hit++
			freq += 1 - 1/float64(c+1)
		}
	}
	n := float64(len(terms))
	return hit/n + freq/n
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if runeLen(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokenize(query) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
