package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/interceptors"
)

const ddgLiteEndpoint = "https://lite.duckduckgo.com/lite/"

const ddgUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var (
	ddgLinkClassFirst = regexp.MustCompile(`<a[^>]*class=['"]result-link['"][^>]*href=['"]([^'"]+)['"][^>]*>([^<]+)</a>`)
	ddgLinkHrefFirst  = regexp.MustCompile(`<a[^>]*href=['"]([^'"]+)['"][^>]*class=['"]result-link['"][^>]*>([^<]+)</a>`)
	ddgSnippet        = regexp.MustCompile(`(?s)<td[^>]*class=['"]result-snippet['"][^>]*>(.*?)</td>`)
	anyLink           = regexp.MustCompile(`<a[^>]+href=['"]([^'"]+)['"][^>]*>([^<]+)</a>`)
	htmlTag           = regexp.MustCompile(`<[^>]+>`)
)

// DuckDuckGoOptions tunes the DuckDuckGo provider
type DuckDuckGoOptions struct {
	Endpoint      string
	RatePerSecond float64
	MaxRetries429 int
	Client        *http.Client
}

// DuckDuckGo scrapes the DuckDuckGo lite HTML page. All branches of a run
// share its limiter, so parallel research stays under the site's rate limit.
type DuckDuckGo struct {
	endpoint   string
	http       *circuitbreaker.HTTPWrapper
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewDuckDuckGo creates the provider
func NewDuckDuckGo(opts DuckDuckGoOptions, logger *zap.Logger) *DuckDuckGo {
	if opts.Endpoint == "" {
		opts.Endpoint = ddgLiteEndpoint
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.MaxRetries429 <= 0 {
		opts.MaxRetries429 = 3
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second, Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuckDuckGo{
		endpoint:   opts.Endpoint,
		http:       circuitbreaker.NewHTTPWrapper(opts.Client, "duckduckgo", "search", circuitbreaker.GetSearchConfig(), logger),
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		maxRetries: opts.MaxRetries429,
		logger:     logger,
	}
}

// Name implements Provider
func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// Search implements Provider
func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}

	form := url.Values{}
	form.Set("q", query)

	delay := time.Second
	for attempt := 0; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", ddgUserAgent)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := d.http.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < d.maxRetries {
			resp.Body.Close()
			d.logger.Warn("DuckDuckGo rate limited, backing off", zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("duckduckgo http %d", resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}
		return parseLiteResults(string(body), maxResults), nil
	}
}

func parseLiteResults(page string, maxResults int) []Result {
	if maxResults <= 0 {
		maxResults = 5
	}

	matches := ddgLinkClassFirst.FindAllStringSubmatch(page, -1)
	if len(matches) == 0 {
		matches = ddgLinkHrefFirst.FindAllStringSubmatch(page, -1)
	}
	snippets := ddgSnippet.FindAllStringSubmatch(page, -1)

	var results []Result
	for i, m := range matches {
		link := resolveDDGLink(strings.TrimSpace(m[1]))
		title := cleanHTML(m[2])
		if link == "" || title == "" {
			continue
		}
		snippet := ""
		if i < len(snippets) {
			snippet = cleanHTML(snippets[i][1])
		}
		results = append(results, Result{Title: title, URL: link, Snippet: snippet})
		if len(results) >= maxResults {
			break
		}
	}

	if len(results) == 0 {
		results = fallbackParse(page, maxResults)
	}
	return results
}

// fallbackParse takes any external link with a plausible title
func fallbackParse(page string, maxResults int) []Result {
	var results []Result
	seen := make(map[string]bool)
	for _, m := range anyLink.FindAllStringSubmatch(page, -1) {
		link := resolveDDGLink(strings.TrimSpace(m[1]))
		title := cleanHTML(m[2])
		if link == "" || strings.Contains(link, "duckduckgo.com") || len(title) < 5 || seen[link] {
			continue
		}
		seen[link] = true
		results = append(results, Result{Title: title, URL: link})
		if len(results) >= maxResults {
			break
		}
	}
	return results
}

// resolveDDGLink unwraps /l/?uddg= redirect links and drops internal ones
func resolveDDGLink(raw string) string {
	raw = html.UnescapeString(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func cleanHTML(s string) string {
	s = htmlTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
