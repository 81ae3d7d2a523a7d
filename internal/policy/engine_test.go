package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultFetchPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockedDomains = []string{"pinterest.com"}
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, engine.IsEnabled())

	tests := []struct {
		url    string
		allow  bool
		reason string
	}{
		{"https://en.wikipedia.org/wiki/Versace", true, "allowed"},
		{"http://news.example.com/a", true, "allowed"},
		{"file:///etc/passwd", false, "unsupported scheme"},
		{"http://localhost:8080/admin", false, "private or loopback host"},
		{"http://127.0.0.1/", false, "private or loopback host"},
		{"http://192.168.1.20/", false, "private or loopback host"},
		{"https://www.pinterest.com/pin/1", false, "blocked domain"},
		{"https://pinterest.com/", false, "blocked domain"},
		{"https://notpinterest.com/", true, "allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			d, err := engine.AllowFetch(context.Background(), tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestAllowPrivate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPrivate = true
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.AllowFetch(context.Background(), "http://127.0.0.1:9000/page")
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestDryRunDoesNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDryRun
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.AllowFetch(context.Background(), "ftp://files.example.com/x")
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.True(t, d.DryRun)
	assert.Equal(t, ModeDryRun, engine.Mode())
}

func TestPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	policy := `package research.fetch

import rego.v1

default decision := {"allow": false, "reason": "only wikipedia"}

decision := {"allow": true, "reason": "wikipedia"} if endswith(input.host, "wikipedia.org")
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fetch.rego"), []byte(policy), 0o644))

	engine, err := NewOPAEngine(Config{Enabled: true, Mode: ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.AllowFetch(context.Background(), "https://fr.wikipedia.org/wiki/Versace")
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = engine.AllowFetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "only wikipedia", d.Reason)
}

func TestLoadFailureModes(t *testing.T) {
	empty := t.TempDir()

	engine, err := NewOPAEngine(Config{Enabled: true, Path: empty}, zaptest.NewLogger(t))
	require.NoError(t, err, "fail-open tolerates a missing policy")
	assert.False(t, engine.IsEnabled())
	d, err := engine.AllowFetch(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.True(t, d.Allow)

	_, err = NewOPAEngine(Config{Enabled: true, Path: empty, FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDisabledEngine(t *testing.T) {
	engine, err := NewOPAEngine(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, engine.IsEnabled())

	d, err := engine.AllowFetch(context.Background(), "http://localhost")
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestDecisionCache(t *testing.T) {
	c := newDecisionCache(2, 0)
	c.ttl = 1 << 40
	c.Set("a", &Decision{Allow: true})
	c.Set("b", &Decision{Allow: true})
	_, _ = c.Get("a")
	c.Set("c", &Decision{Allow: false})

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
}
