// Package app assembles the research collaborators from configuration. The
// service binary and the CLI share it so both run the same graph.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/config"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/fetch"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/roles"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/search"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/streaming"
)

// App holds the wired collaborators of one process
type App struct {
	LLM          *llm.Client
	Policy       *policy.OPAEngine
	Executor     *executor.Executor
	Dispatcher   dispatch.Dispatcher
	Checkpoints  *state.Checkpoints
	Events       *streaming.Manager
	Reports      reports.Store
	Orchestrator *orchestrator.Orchestrator
	Activities   *activities.Activities
	// Redis is the event mirror client; nil when streaming.redis_addr is unset
	Redis *redis.Client

	embedRedis *redisv8.Client
	logger     *zap.Logger
}

// Build wires every collaborator from cfg. Optional backends (Redis tiers)
// degrade to in-process behavior when unreachable; the report store and
// policy engine are required.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	engine, err := policy.NewOPAEngine(cfg.Policy, logger)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	a.Policy = engine

	fetcher, err := fetch.New(cfg.Fetch, engine, logger)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	provider, err := search.NewRegistry().Build(cfg.Search, logger)
	if err != nil {
		return nil, fmt.Errorf("search provider: %w", err)
	}
	searcher := search.NewSearcher(provider, cfg.Search.MaxResults, logger)

	a.LLM = llm.NewClient(cfg.LLM, logger)
	embedder := embeddings.NewService(cfg.Embeddings, a.embeddingCache(ctx, cfg.Embeddings.RedisAddr), logger)
	ranker := retrieval.NewRanker(cfg.Research.Retrieval(), embedder, logger)

	a.Executor = executor.New(executor.Config{MaxAttempts: cfg.Research.MaxAttempts}, logger)
	planner := roles.NewPlanner(a.LLM, a.Executor, cfg.Research.MaxQueries, logger)
	researcher := roles.NewResearcher(searcher, fetcher, ranker, a.LLM, a.Executor, logger)
	reviewer := roles.NewReviewer(a.LLM, a.Executor, logger)
	writer := roles.NewWriter(a.LLM, a.Executor, logger)

	if cfg.Research.Dispatcher == "sequential" {
		a.Dispatcher = dispatch.SequentialDispatcher{Branch: researcher.Research}
	} else {
		a.Dispatcher = dispatch.NewParallel(researcher.Research, cfg.Research.MaxConcurrency, logger)
	}
	a.Checkpoints = state.NewCheckpoints(cfg.Research.CheckpointKeep).WithMaxRuns(cfg.Research.CheckpointRuns)

	if addr := cfg.Streaming.RedisAddr; addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: addr})
	}
	a.Events = streaming.NewManager(cfg.Streaming, a.Redis, logger)

	a.Reports, err = reports.New(ctx, cfg.Reports, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("report store: %w", err)
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxIterations: cfg.Research.MaxIterations,
		RunTimeout:    cfg.Research.RunTimeout,
	}, orchestrator.Deps{
		Planner:     planner,
		Dispatcher:  a.Dispatcher,
		Reviewer:    reviewer,
		Writer:      writer,
		Checkpoints: a.Checkpoints,
		Events:      a.Events,
		Reports:     a.Reports,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Activities = activities.NewActivities(activities.Deps{
		Planner:    planner,
		Researcher: researcher,
		Reviewer:   reviewer,
		Writer:     writer,
		Reports:    a.Reports,
		Events:     a.Events,
	}, logger)

	logger.Info("Research graph assembled",
		zap.String("model", a.LLM.Model()),
		zap.String("search_provider", provider.Name()),
		zap.String("dispatcher", cfg.Research.Dispatcher),
		zap.String("report_driver", cfg.Reports.Driver),
		zap.Bool("policy_enabled", engine.IsEnabled()),
		zap.Bool("event_mirror", a.Redis != nil),
	)
	return a, nil
}

// embeddingCache returns the shared Redis tier, or nil to use the local LRU only
func (a *App) embeddingCache(ctx context.Context, addr string) embeddings.EmbeddingCache {
	if addr == "" {
		return nil
	}
	client := redisv8.NewClient(&redisv8.Options{Addr: addr, DialTimeout: 2 * time.Second})
	cache, err := embeddings.NewRedisCache(ctx, client, a.logger)
	if err != nil {
		a.logger.Warn("Embedding cache unavailable, using local LRU only", zap.String("addr", addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	a.embedRedis = client
	return cache
}

// ApplyLoop applies hot-reloadable loop settings to new runs and calls
func (a *App) ApplyLoop(rc config.ResearchConfig) {
	a.Orchestrator.SetMaxIterations(rc.MaxIterations)
	a.Executor.SetMaxAttempts(rc.MaxAttempts)
	if pd, ok := a.Dispatcher.(*dispatch.ParallelDispatcher); ok {
		pd.SetMaxConcurrency(rc.MaxConcurrency)
	}
	a.logger.Info("Loop settings applied",
		zap.Int("max_iterations", a.Orchestrator.MaxIterations()),
		zap.Int("max_attempts", a.Executor.MaxAttempts()),
		zap.Int("max_concurrency", rc.MaxConcurrency),
	)
}

// Close releases the store and Redis clients
func (a *App) Close() {
	if c, ok := a.Reports.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("Failed to close report store", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.embedRedis != nil {
		_ = a.embedRedis.Close()
	}
}
