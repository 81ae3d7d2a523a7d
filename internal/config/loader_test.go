package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleConfig = `
research:
  max_iterations: 2
  max_concurrency: 4
  run_timeout: 90s
llm:
  base_url: http://ollama:11434
  model: qwen3:14b
fetch:
  mode: Direct
reports:
  driver: sqlite3
  dsn: /tmp/reports.db
policy:
  blocked_domains: [example.org, tracker.test]
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(DefaultPath)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Research.MaxAttempts)
	assert.Equal(t, 3, cfg.Research.MaxIterations)
	assert.Equal(t, 5000, cfg.Research.ChunkSize)
	assert.Equal(t, 150, cfg.Research.ChunkOverlap)
	assert.Equal(t, "parallel", cfg.Research.Dispatcher)
	assert.Equal(t, 125000, cfg.Fetch.MaxChars)
	assert.Equal(t, 3, cfg.Search.MaxResults)
	assert.Equal(t, "file", cfg.Reports.Driver)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	// embeddings inherit the inference endpoint
	assert.Equal(t, cfg.LLM.BaseURL, cfg.Embeddings.BaseURL)
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)

	t.Run("file values", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Research.MaxIterations)
		assert.Equal(t, 4, cfg.Research.MaxConcurrency)
		assert.Equal(t, 90*time.Second, cfg.Research.RunTimeout)
		assert.Equal(t, "qwen3:14b", cfg.LLM.Model)
		assert.Equal(t, "direct", cfg.Fetch.Mode)
		assert.Equal(t, "sqlite3", cfg.Reports.Driver)
		assert.Equal(t, []string{"example.org", "tracker.test"}, cfg.Policy.BlockedDomains)
	})

	t.Run("plain env names", func(t *testing.T) {
		t.Setenv("LLM_SERVICE_URL", "http://llm-service:8000")
		t.Setenv("REDIS_URL", "redis://:secret@redis:6379/")
		t.Setenv("POSTGRES_HOST", "testhost")
		t.Setenv("POSTGRES_PORT", "54321")
		t.Setenv("TEMPORAL_HOST", "temporal:7234")
		t.Setenv("JINA_API_KEY", "jina-key")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://llm-service:8000", cfg.LLM.BaseURL)
		assert.Equal(t, "redis:6379", cfg.Embeddings.RedisAddr)
		assert.Equal(t, "redis:6379", cfg.Streaming.RedisAddr)
		assert.Equal(t, "testhost", cfg.Reports.Host)
		assert.Equal(t, 54321, cfg.Reports.Port)
		assert.Equal(t, "temporal:7234", cfg.Temporal.Host)
		assert.Equal(t, "jina-key", cfg.Fetch.JinaAPIKey)
	})

	t.Run("prefixed env wins", func(t *testing.T) {
		t.Setenv("LLM_SERVICE_URL", "http://plain:1")
		t.Setenv("RESEARCH_LLM_BASE_URL", "http://prefixed:2")
		t.Setenv("RESEARCH_RESEARCH_MAX_ITERATIONS", "6")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://prefixed:2", cfg.LLM.BaseURL)
		assert.Equal(t, 6, cfg.Research.MaxIterations)
	})
}

func TestValidate(t *testing.T) {
	base, err := Load(DefaultPath)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"zero attempts":      func(c *Config) { c.Research.MaxAttempts = 0 },
		"zero iterations":    func(c *Config) { c.Research.MaxIterations = 0 },
		"negative workers":   func(c *Config) { c.Research.MaxConcurrency = -1 },
		"overlap too large":  func(c *Config) { c.Research.ChunkOverlap = c.Research.ChunkSize },
		"unknown dispatcher": func(c *Config) { c.Research.Dispatcher = "ray" },
		"unknown fetch mode": func(c *Config) { c.Fetch.Mode = "browser" },
		"unknown driver":     func(c *Config) { c.Reports.Driver = "mongo" },
		"auth without key": func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.SkipAuth = false
			c.Auth.JWTSecret = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestLoad_AuthKeysAndRateLimit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
llm:
  rate_limit:
    rpm: 30
    tpm: 60000
auth:
  enabled: true
  skip_auth: false
  api_keys:
    - name: ci
      hash: "$2a$04$abcdefghijklmnopqrstuu5QbrW9cA3V6Hs0n9S5r5dO5K8dYx7Wu"
      scopes: [research:read]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.LLM.RateLimit.RPM)
	assert.Equal(t, 60000, cfg.LLM.RateLimit.TPM)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "ci", cfg.Auth.APIKeys[0].Name)
	assert.Equal(t, []string{"research:read"}, cfg.Auth.APIKeys[0].Scopes)
	// api keys alone satisfy auth without a jwt secret
	assert.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RESEARCH_DOTENV_NEW=loaded\nRESEARCH_DOTENV_SET=from-file\n"), 0o644))
	t.Setenv("RESEARCH_DOTENV_SET", "from-env")
	t.Cleanup(func() { os.Unsetenv("RESEARCH_DOTENV_NEW") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("RESEARCH_DOTENV_NEW"))
	assert.Equal(t, "from-env", os.Getenv("RESEARCH_DOTENV_SET"))
}

func TestManager_HotReload(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Config().Research.MaxIterations)

	changes := make(chan Config, 4)
	m.OnChange(func(old, updated Config) {
		if LoopChanged(old, updated) {
			select {
			case changes <- updated:
			default:
			}
		}
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	writeConfig(t, filepath.Dir(path), "research:\n  max_iterations: 7\n  max_concurrency: 1\n")
	require.Eventually(t, func() bool {
		return m.Config().Research.MaxIterations == 7
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, m.Config().Research.MaxConcurrency)
	assert.NotEmpty(t, changes)
}

func TestManager_RejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	var called atomic.Int32
	m.OnChange(func(Config, Config) { called.Add(1) })

	writeConfig(t, filepath.Dir(path), "research:\n  max_iterations: 0\n")
	assert.Error(t, m.Reload("manual"))
	assert.Equal(t, 2, m.Config().Research.MaxIterations)
	assert.Zero(t, called.Load())

	writeConfig(t, filepath.Dir(path), "research:\n  max_iterations: 4\n")
	require.NoError(t, m.Reload("manual"))
	assert.Equal(t, 4, m.Config().Research.MaxIterations)
	assert.Equal(t, int32(1), called.Load())
}

func TestManager_PolicyReload(t *testing.T) {
	dir := t.TempDir()
	policyDir := filepath.Join(dir, "policies")
	require.NoError(t, os.Mkdir(policyDir, 0o755))
	path := writeConfig(t, dir, "policy:\n  path: "+policyDir+"\n")

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	reloaded := make(chan struct{}, 4)
	m.OnPolicyChange(func() error {
		select {
		case reloaded <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "fetch.rego"), []byte("package shannon.fetch\n"), 0o644))
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("policy handler not called")
	}
}

func TestLoopChanged(t *testing.T) {
	a := Config{Research: ResearchConfig{MaxIterations: 3, MaxConcurrency: 2}}
	b := a
	assert.False(t, LoopChanged(a, b))
	b.Research.MaxConcurrency = 5
	assert.True(t, LoopChanged(a, b))
}
