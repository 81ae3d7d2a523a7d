package policy

import (
	"container/list"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
)

const decisionQuery = "data.research.fetch.decision"

// DefaultFetchPolicy is used when no policy directory is configured
const DefaultFetchPolicy = `package research.fetch

import rego.v1

default decision := {"allow": false, "reason": "no matching rule"}

decision := {"allow": false, "reason": "unsupported scheme"} if {
	not input.scheme in {"http", "https"}
} else := {"allow": false, "reason": "private or loopback host"} if {
	not input.allow_private
	private_host
} else := {"allow": false, "reason": "blocked domain"} if {
	some d in input.blocked_domains
	blocked(input.host, d)
} else := {"allow": true, "reason": "allowed"}

blocked(host, d) if host == d

blocked(host, d) if endswith(host, concat("", [".", d]))

private_host if input.host == "localhost"

private_host if endswith(input.host, ".localhost")

private_host if {
	some cidr in ["127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16", "::1/128"]
	net.cidr_contains(cidr, input.host)
}
`

// Engine decides whether a URL may be fetched
type Engine interface {
	AllowFetch(ctx context.Context, rawURL string) (*Decision, error)
	IsEnabled() bool
	Mode() Mode
}

// FetchInput is the policy input for one URL
type FetchInput struct {
	URL            string   `json:"url"`
	Scheme         string   `json:"scheme"`
	Host           string   `json:"host"`
	Path           string   `json:"path"`
	BlockedDomains []string `json:"blocked_domains"`
	AllowPrivate   bool     `json:"allow_private"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
	// DryRun is set when a denial was not enforced
	DryRun bool `json:"dry_run,omitempty"`
}

// OPAEngine implements Engine using OPA rego
type OPAEngine struct {
	config   Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates a policy engine. A load failure disables the engine in
// fail-open mode and is returned in fail-closed mode.
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Mode == "" {
		config.Mode = ModeEnforce
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}
	return engine, nil
}

// LoadPolicies compiles the configured .rego files, or the built-in policy
func (e *OPAEngine) LoadPolicies() error {
	modules := make(map[string]string)

	if e.config.Path == "" {
		modules["fetch"] = DefaultFetchPolicy
	} else {
		err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			rel, _ := filepath.Rel(e.config.Path, path)
			modules[strings.TrimSuffix(rel, ".rego")] = string(content)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk policy directory: %w", err)
		}
		if len(modules) == 0 {
			return fmt.Errorf("no policy files found in %s", e.config.Path)
		}
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	e.compiled = &compiled
	e.cache.Clear()

	e.logger.Info("Fetch policies loaded",
		zap.Int("policy_count", len(modules)),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

// AllowFetch evaluates the policy for rawURL
func (e *OPAEngine) AllowFetch(ctx context.Context, rawURL string) (*Decision, error) {
	fallback := &Decision{Allow: !e.config.FailClosed, Reason: "policy engine disabled"}
	if !e.IsEnabled() {
		return fallback, nil
	}

	if d, ok := e.cache.Get(rawURL); ok {
		return d, nil
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("invalid").Inc()
		return &Decision{Allow: false, Reason: "unparseable url"}, nil
	}
	input := FetchInput{
		URL:            rawURL,
		Scheme:         strings.ToLower(u.Scheme),
		Host:           strings.ToLower(u.Hostname()),
		Path:           u.Path,
		BlockedDomains: e.config.BlockedDomains,
		AllowPrivate:   e.config.AllowPrivate,
	}
	if input.BlockedDomains == nil {
		input.BlockedDomains = []string{}
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.String("url", rawURL), zap.Error(err))
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return fallback, nil
	}

	decision := parseResults(results)
	if !decision.Allow && e.config.Mode == ModeDryRun {
		e.logger.Info("Fetch would be denied (dry-run)",
			zap.String("url", rawURL),
			zap.String("reason", decision.Reason),
		)
		decision.Allow = true
		decision.DryRun = true
	}

	label := "allow"
	if !decision.Allow {
		label = "deny"
	} else if decision.DryRun {
		label = "dry_run_deny"
	}
	metrics.PolicyDecisions.WithLabelValues(label).Inc()

	e.cache.Set(rawURL, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// decisionCache is an LRU of decisions keyed by URL with a TTL
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	return &decisionCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

func (c *decisionCache) Get(key string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if time.Now().After(ce.expiresAt) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(key string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}
