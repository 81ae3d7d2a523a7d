package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/fetch"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/search"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// DefaultPath is used when CONFIG_PATH is unset
const DefaultPath = "./config/research.yaml"

const envPrefix = "RESEARCH"

// ServiceConfig holds listener ports
type ServiceConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	MetricsPort int `mapstructure:"metrics_port"`
	GRPCPort    int `mapstructure:"grpc_port"`
}

// LoggingConfig selects the zap logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Format is json (production) or console (development)
	Format string `mapstructure:"format"`
}

// ResearchConfig holds the loop knobs. MaxIterations and MaxConcurrency are
// hot-reloadable.
type ResearchConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	MaxQueries       int           `mapstructure:"max_queries"`
	TopK             int           `mapstructure:"top_k"`
	CandidateFactor  int           `mapstructure:"candidate_factor"`
	LexicalWeight    float64       `mapstructure:"lexical_weight"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkOverlap     int           `mapstructure:"chunk_overlap"`
	FetchMaxChars    int           `mapstructure:"fetch_max_chars"`
	SearchMaxResults int           `mapstructure:"search_max_results"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	// CheckpointKeep bounds snapshots kept per run; 0 keeps all
	CheckpointKeep int `mapstructure:"checkpoint_keep"`
	// CheckpointRuns bounds how many runs keep snapshots
	CheckpointRuns int `mapstructure:"checkpoint_runs"`
	// Dispatcher is parallel or sequential
	Dispatcher string `mapstructure:"dispatcher"`
}

// Retrieval returns the ranker settings
func (r ResearchConfig) Retrieval() retrieval.Config {
	return retrieval.Config{
		ChunkSize:       r.ChunkSize,
		ChunkOverlap:    r.ChunkOverlap,
		TopK:            r.TopK,
		CandidateFactor: r.CandidateFactor,
		LexicalWeight:   r.LexicalWeight,
	}
}

// TemporalConfig enables the durable workflow path
type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// AuthConfig guards the HTTP API
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// SkipAuth lets every request through with a development identity
	SkipAuth bool `mapstructure:"skip_auth"`
	// APIKeys are accepted through the X-API-Key header
	APIKeys []auth.APIKey `mapstructure:"api_keys"`
}

// Config is the full service configuration
type Config struct {
	Service    ServiceConfig     `mapstructure:"service"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Research   ResearchConfig    `mapstructure:"research"`
	LLM        llm.Config        `mapstructure:"llm"`
	Search     search.Config     `mapstructure:"search"`
	Fetch      fetch.Config      `mapstructure:"fetch"`
	Embeddings embeddings.Config `mapstructure:"embeddings"`
	Policy     policy.Config     `mapstructure:"policy"`
	Reports    reports.Config    `mapstructure:"reports"`
	Streaming  streaming.Config  `mapstructure:"streaming"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Temporal   TemporalConfig    `mapstructure:"temporal"`
	Auth       AuthConfig        `mapstructure:"auth"`
}

// Path returns CONFIG_PATH or the default location
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the config file at path (optional when it is the default path),
// applies env overrides and validates the result.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != DefaultPath {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return v, nil
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 8081)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.grpc_port", 50052)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("research.max_attempts", 5)
	v.SetDefault("research.max_iterations", 3)
	v.SetDefault("research.max_concurrency", 0)
	v.SetDefault("research.max_queries", 5)
	v.SetDefault("research.top_k", retrieval.DefaultTopK)
	v.SetDefault("research.candidate_factor", 5)
	v.SetDefault("research.lexical_weight", 0.5)
	v.SetDefault("research.chunk_size", retrieval.DefaultChunkSize)
	v.SetDefault("research.chunk_overlap", retrieval.DefaultChunkOverlap)
	v.SetDefault("research.fetch_max_chars", 125000)
	v.SetDefault("research.search_max_results", 3)
	v.SetDefault("research.run_timeout", "0s")
	v.SetDefault("research.checkpoint_keep", 4)
	v.SetDefault("research.checkpoint_runs", 100)
	v.SetDefault("research.dispatcher", "parallel")

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "qwen3:8b")
	v.SetDefault("llm.embed_model", "nomic-embed-text")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.rate_limit.rpm", 0)
	v.SetDefault("llm.rate_limit.tpm", 0)

	v.SetDefault("search.provider", "duckduckgo")
	v.SetDefault("search.max_results", 0)
	v.SetDefault("search.rate_per_second", 1.0)
	v.SetDefault("search.tavily_api_key", "")
	v.SetDefault("search.tavily_depth", "basic")

	v.SetDefault("fetch.mode", "jina")
	v.SetDefault("fetch.jina_api_key", "")
	v.SetDefault("fetch.jina_endpoint", "")
	v.SetDefault("fetch.max_chars", 0)
	v.SetDefault("fetch.timeout", "30s")

	v.SetDefault("embeddings.base_url", "")
	v.SetDefault("embeddings.model", "")
	v.SetDefault("embeddings.timeout", "60s")
	v.SetDefault("embeddings.redis_addr", "")
	v.SetDefault("embeddings.cache_ttl", "24h")
	v.SetDefault("embeddings.max_lru", 4096)
	v.SetDefault("embeddings.batch_size", 32)

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.mode", string(policy.ModeEnforce))
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.blocked_domains", []string{})
	v.SetDefault("policy.allow_private", false)

	v.SetDefault("reports.driver", "file")
	v.SetDefault("reports.dir", "./reports")
	v.SetDefault("reports.format", reports.FormatText)
	v.SetDefault("reports.dsn", "")
	v.SetDefault("reports.host", "localhost")
	v.SetDefault("reports.port", 5432)
	v.SetDefault("reports.user", "shannon")
	v.SetDefault("reports.password", "")
	v.SetDefault("reports.database", "shannon")
	v.SetDefault("reports.sslmode", "disable")
	v.SetDefault("reports.max_connections", 10)
	v.SetDefault("reports.idle_connections", 2)
	v.SetDefault("reports.max_lifetime", "30m")

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.redis_addr", "")
	v.SetDefault("streaming.stream_max_len", 1000)
	v.SetDefault("streaming.stream_ttl", "24h")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shannon-researcher")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "research-tasks")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.skip_auth", true)
}

// plainEnv maps config keys to the service-wide env names shared with the
// rest of the platform. RESEARCH_<SECTION>_<KEY> is checked first.
var plainEnv = map[string]string{
	"logging.level":           "LOG_LEVEL",
	"service.metrics_port":    "METRICS_PORT",
	"llm.base_url":            "LLM_SERVICE_URL",
	"llm.model":               "LLM_MODEL",
	"search.tavily_api_key":   "TAVILY_API_KEY",
	"fetch.jina_api_key":      "JINA_API_KEY",
	"embeddings.redis_addr":   "REDIS_URL",
	"streaming.redis_addr":    "REDIS_URL",
	"reports.host":            "POSTGRES_HOST",
	"reports.port":            "POSTGRES_PORT",
	"reports.user":            "POSTGRES_USER",
	"reports.password":        "POSTGRES_PASSWORD",
	"reports.database":        "POSTGRES_DB",
	"reports.sslmode":         "POSTGRES_SSLMODE",
	"temporal.host":           "TEMPORAL_HOST",
	"temporal.namespace":      "TEMPORAL_NAMESPACE",
	"tracing.otlp_endpoint":   "OTEL_EXPORTER_OTLP_ENDPOINT",
	"auth.jwt_secret":         "JWT_SECRET",
	"policy.enabled":          "OPA_ENABLED",
	"policy.path":             "OPA_POLICIES_DIR",
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range plainEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return fmt.Errorf("bind env %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Embeddings.RedisAddr = redisAddr(c.Embeddings.RedisAddr)
	c.Streaming.RedisAddr = redisAddr(c.Streaming.RedisAddr)
	if c.Fetch.MaxChars == 0 {
		c.Fetch.MaxChars = c.Research.FetchMaxChars
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = c.Research.SearchMaxResults
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.LLM.BaseURL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = c.LLM.EmbedModel
	}
	c.Research.Dispatcher = strings.ToLower(c.Research.Dispatcher)
	c.Reports.Driver = strings.ToLower(c.Reports.Driver)
	c.Fetch.Mode = strings.ToLower(c.Fetch.Mode)
}

// redisAddr accepts host:port or a redis:// URL
func redisAddr(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "redis://")
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(s, "/")
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	r := c.Research
	switch {
	case r.MaxAttempts < 1:
		return fmt.Errorf("research.max_attempts must be >= 1, got %d", r.MaxAttempts)
	case r.MaxIterations < 1:
		return fmt.Errorf("research.max_iterations must be >= 1, got %d", r.MaxIterations)
	case r.MaxConcurrency < 0:
		return fmt.Errorf("research.max_concurrency must be >= 0, got %d", r.MaxConcurrency)
	case r.ChunkSize <= 0 || r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize:
		return fmt.Errorf("research.chunk_overlap (%d) must be in [0, chunk_size=%d)", r.ChunkOverlap, r.ChunkSize)
	case r.TopK < 1:
		return fmt.Errorf("research.top_k must be >= 1, got %d", r.TopK)
	}
	switch r.Dispatcher {
	case "parallel", "sequential":
	default:
		return fmt.Errorf("research.dispatcher must be parallel or sequential, got %q", r.Dispatcher)
	}
	switch c.Fetch.Mode {
	case "jina", "direct":
	default:
		return fmt.Errorf("fetch.mode must be jina or direct, got %q", c.Fetch.Mode)
	}
	switch c.Reports.Driver {
	case "file", "postgres", "sqlite3":
	default:
		return fmt.Errorf("reports.driver must be file, postgres or sqlite3, got %q", c.Reports.Driver)
	}
	if c.Auth.Enabled && !c.Auth.SkipAuth && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.jwt_secret or auth.api_keys is required when auth is enabled")
	}
	return nil
}
