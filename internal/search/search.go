package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Result is one web search hit
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider is a web search backend
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Config selects and tunes the search provider
type Config struct {
	Provider      string  `mapstructure:"provider"`
	MaxResults    int     `mapstructure:"max_results"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	TavilyAPIKey  string  `mapstructure:"tavily_api_key"`
	TavilyDepth   string  `mapstructure:"tavily_depth"`
}

// Factory builds a provider from configuration
type Factory func(cfg Config, logger *zap.Logger) (Provider, error)

// Registry maps provider names to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in providers
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("duckduckgo", func(cfg Config, logger *zap.Logger) (Provider, error) {
		return NewDuckDuckGo(DuckDuckGoOptions{RatePerSecond: cfg.RatePerSecond}, logger), nil
	})
	r.Register("tavily", func(cfg Config, logger *zap.Logger) (Provider, error) {
		if strings.TrimSpace(cfg.TavilyAPIKey) == "" {
			return nil, fmt.Errorf("tavily: API key is missing")
		}
		return NewTavily(TavilyOptions{APIKey: cfg.TavilyAPIKey, Depth: cfg.TavilyDepth}, logger), nil
	})
	return r
}

// Register adds or replaces a provider factory
func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToLower(name)] = f
}

// Names lists registered providers
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates the provider named in cfg (duckduckgo when empty)
func (r *Registry) Build(cfg Config, logger *zap.Logger) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "duckduckgo"
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown search provider %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(cfg, logger)
}

// Searcher adapts a provider to a fixed result budget and drops hits without URLs
type Searcher struct {
	provider   Provider
	maxResults int
	logger     *zap.Logger
}

// NewSearcher wraps a provider
func NewSearcher(p Provider, maxResults int, logger *zap.Logger) *Searcher {
	if maxResults <= 0 {
		maxResults = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{provider: p, maxResults: maxResults, logger: logger}
}

// Search returns at most maxResults hits with distinct URLs
func (s *Searcher) Search(ctx context.Context, query string) ([]Result, error) {
	hits, err := s.provider.Search(ctx, query, s.maxResults)
	if err != nil {
		return nil, fmt.Errorf("%s search failed: %w", s.provider.Name(), err)
	}

	seen := make(map[string]struct{}, len(hits))
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		h.URL = strings.TrimSpace(h.URL)
		if h.URL == "" {
			continue
		}
		if _, dup := seen[h.URL]; dup {
			continue
		}
		seen[h.URL] = struct{}{}
		out = append(out, h)
		if len(out) >= s.maxResults {
			break
		}
	}
	s.logger.Debug("Search completed",
		zap.String("provider", s.provider.Name()),
		zap.String("query", query),
		zap.Int("results", len(out)),
	)
	return out, nil
}
