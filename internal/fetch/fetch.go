package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/policy"
)

// DefaultMaxChars caps the text kept per page
const DefaultMaxChars = 125_000

// ErrBlocked is returned when the fetch policy denies a URL
var ErrBlocked = errors.New("fetch blocked by policy")

// Fetcher retrieves the readable text of a page
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Config selects and tunes the fetcher
type Config struct {
	// Mode is "jina" (reader proxy returning markdown) or "direct"
	Mode         string        `mapstructure:"mode"`
	JinaAPIKey   string        `mapstructure:"jina_api_key"`
	JinaEndpoint string        `mapstructure:"jina_endpoint"`
	MaxChars     int           `mapstructure:"max_chars"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// New builds the configured fetcher, gated by engine when it is non-nil
func New(cfg Config, engine policy.Engine, logger *zap.Logger) (Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: cfg.Timeout, Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	if cfg.Timeout == 0 {
		client.Timeout = 30 * time.Second
	}

	var f Fetcher
	switch strings.ToLower(cfg.Mode) {
	case "", "jina":
		f = NewJinaReader(JinaOptions{APIKey: cfg.JinaAPIKey, Endpoint: cfg.JinaEndpoint, MaxChars: cfg.MaxChars, Client: client}, logger)
	case "direct":
		f = NewDirect(DirectOptions{MaxChars: cfg.MaxChars, Client: client}, logger)
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", cfg.Mode)
	}

	if engine != nil {
		f = &PolicyFetcher{next: f, engine: engine, logger: logger}
	}
	return f, nil
}

// PolicyFetcher refuses URLs the policy engine denies
type PolicyFetcher struct {
	next   Fetcher
	engine policy.Engine
	logger *zap.Logger
}

// NewPolicyFetcher wraps next with a policy check
func NewPolicyFetcher(next Fetcher, engine policy.Engine, logger *zap.Logger) *PolicyFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyFetcher{next: next, engine: engine, logger: logger}
}

// Fetch implements Fetcher
func (p *PolicyFetcher) Fetch(ctx context.Context, url string) (string, error) {
	d, err := p.engine.AllowFetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("fetch policy: %w", err)
	}
	if !d.Allow {
		p.logger.Info("Fetch denied by policy", zap.String("url", url), zap.String("reason", d.Reason))
		return "", fmt.Errorf("%w: %s", ErrBlocked, d.Reason)
	}
	return p.next.Fetch(ctx, url)
}

func newWrapper(client *http.Client, name string, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	return circuitbreaker.NewHTTPWrapper(client, name, "fetch", circuitbreaker.GetFetchConfig(), logger)
}

// Truncate keeps at most maxChars characters of s without splitting a rune
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
