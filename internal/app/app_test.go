package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/config"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresRedisTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, `
research:
  dispatcher: parallel
  max_concurrency: 2
reports:
  dir: `+t.TempDir()+`
streaming:
  redis_addr: `+mr.Addr()+`
embeddings:
  redis_addr: `+mr.Addr()+`
`)

	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	require.NotNil(t, a.embedRedis)
	assert.IsType(t, &dispatch.ParallelDispatcher{}, a.Dispatcher)
	assert.Equal(t, cfg.Research.MaxIterations, a.Orchestrator.MaxIterations())

	// events are mirrored into the shared Redis
	a.Events.Publish("run-1", streaming.Event{Type: streaming.EventRunStarted})
	require.Eventually(t, func() bool {
		evs, err := a.Events.ReadStream(context.Background(), "run-1", 0, 0)
		return err == nil && len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildSequentialWithoutRedis(t *testing.T) {
	cfg := loadConfig(t, `
research:
  dispatcher: sequential
reports:
  dir: `+t.TempDir()+`
`)
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.embedRedis)
	assert.IsType(t, dispatch.SequentialDispatcher{}, a.Dispatcher)
	assert.NotNil(t, a.Activities)
}

func TestApplyLoop(t *testing.T) {
	cfg := loadConfig(t, "reports:\n  dir: "+t.TempDir()+"\n")
	a, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	rc := cfg.Research
	rc.MaxIterations = 7
	rc.MaxAttempts = 2
	rc.MaxConcurrency = 1
	a.ApplyLoop(rc)

	assert.Equal(t, 7, a.Orchestrator.MaxIterations())
	assert.Equal(t, 2, a.Executor.MaxAttempts())
}

func TestBuildRejectsUnknownProvider(t *testing.T) {
	cfg := loadConfig(t, "reports:\n  dir: "+t.TempDir()+"\n")
	cfg.Search.Provider = "altavista"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search provider")
}
