package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/interceptors"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyOptions tunes the Tavily provider
type TavilyOptions struct {
	APIKey   string
	Depth    string
	Endpoint string
	Client   *http.Client
}

// Tavily calls the Tavily search API
type Tavily struct {
	apiKey   string
	depth    string
	endpoint string
	http     *circuitbreaker.HTTPWrapper
}

// NewTavily creates the provider
func NewTavily(opts TavilyOptions, logger *zap.Logger) *Tavily {
	if opts.Depth == "" {
		opts.Depth = "basic"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = tavilyEndpoint
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second, Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	}
	return &Tavily{
		apiKey:   opts.APIKey,
		depth:    opts.Depth,
		endpoint: opts.Endpoint,
		http:     circuitbreaker.NewHTTPWrapper(opts.Client, "tavily", "search", circuitbreaker.GetSearchConfig(), logger),
	}
}

// Name implements Provider
func (t *Tavily) Name() string { return "tavily" }

// Search implements Provider
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(t.apiKey) == "" {
		return nil, errors.New("tavily: API key is missing")
	}

	payload, err := json.Marshal(map[string]any{
		"query":        query,
		"search_depth": t.depth,
		"max_results":  maxResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily http %d", resp.StatusCode)
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode tavily response: %w", err)
	}

	results := make([]Result, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
	}
	return results, nil
}
