package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/app"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/config"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/health"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/reports"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/temporal"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// pingFunc adapts a function to health.Pinger
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("Failed to load .env: %v", err)
	}
	path := config.Path()
	initial, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, level, err := initial.Logging.BuildLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfgMgr, err := config.NewManager(path, logger)
	if err != nil {
		logger.Fatal("Failed to start config manager", zap.Error(err))
	}
	cfg := cfgMgr.Config()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed, continuing without traces", zap.Error(err))
	}
	circuitbreaker.StartMetricsCollection(ctx, 10*time.Second)

	a, err := app.Build(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("Failed to assemble research graph", zap.Error(err))
	}
	defer a.Close()

	// Health checks
	hm := health.NewManager(logger)
	if a.Redis != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(a.Redis, false))
	}
	if sqlStore, ok := a.Reports.(*reports.SQLStore); ok {
		_ = hm.RegisterChecker(health.NewPingChecker("reports", sqlStore, true))
	}
	_ = hm.RegisterChecker(health.NewHTTPChecker("llm", a.LLM.BaseURL(), a.LLM.BreakerState, false))

	// Auth
	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, time.Hour)
	}
	apiKeys, err := auth.NewAPIKeys(cfg.Auth.APIKeys)
	if err != nil {
		logger.Fatal("Invalid API key configuration", zap.Error(err))
	}
	if !cfg.Auth.Enabled {
		apiKeys = nil
	}
	authMiddleware := auth.NewMiddleware(jwtManager, !cfg.Auth.Enabled || cfg.Auth.SkipAuth).WithAPIKeys(apiKeys)

	// Runs execute in-process unless Temporal is enabled
	var runner httpapi.Runner = a.Orchestrator
	if cfg.Temporal.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		tClient, err := temporal.Dial(dialCtx, cfg.Temporal.Host, cfg.Temporal.Namespace, logger)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to Temporal", zap.Error(err))
		}
		defer tClient.Close()

		reg := registry.NewResearchRegistry(registry.Config{EnableEvents: true, EnableReports: true}, a.Activities, logger)
		wk, err := temporal.NewWorker(tClient, cfg.Temporal.TaskQueue, reg, cfg.Research.MaxConcurrency)
		if err != nil {
			logger.Fatal("Failed to create Temporal worker", zap.Error(err))
		}
		if err := wk.Start(); err != nil {
			logger.Fatal("Failed to start Temporal worker", zap.Error(err))
		}
		defer wk.Stop()
		logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))

		runner = temporal.NewRunner(tClient, temporal.RunnerOptions{
			TaskQueue:     cfg.Temporal.TaskQueue,
			MaxIterations: a.Orchestrator.MaxIterations,
			SaveReport:    true,
			EmitEvents:    true,
		}, logger)
		_ = hm.RegisterChecker(health.NewPingChecker("temporal", pingFunc(func(ctx context.Context) error {
			_, err := tClient.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		}), true))
	}

	// Hot reload
	cfgMgr.OnChange(func(old, updated config.Config) {
		if config.LoopChanged(old, updated) {
			a.ApplyLoop(updated.Research)
		}
		if old.Logging.Level != updated.Logging.Level {
			if err := level.UnmarshalText([]byte(updated.Logging.Level)); err != nil {
				logger.Warn("Ignoring invalid log level", zap.String("level", updated.Logging.Level))
			}
		}
	})
	if a.Policy.IsEnabled() {
		cfgMgr.OnPolicyChange(a.Policy.LoadPolicies)
	}
	if err := cfgMgr.Start(); err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}
	defer cfgMgr.Stop()

	// Metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// gRPC health
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(authMiddleware.UnaryServerInterceptor()))
	grpcHealth := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)
	reflection.Register(grpcServer)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Service.GRPCPort))
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.Int("port", cfg.Service.GRPCPort), zap.Error(err))
	}
	go func() {
		logger.Info("gRPC health server listening", zap.Int("port", cfg.Service.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go syncServingStatus(ctx, hm, grpcHealth)

	// Research API
	api := httpapi.NewServer(httpapi.Options{
		Runner:      runner,
		Events:      a.Events,
		Reports:     a.Reports,
		Checkpoints: a.Checkpoints,
		Auth:        authMiddleware,
		Health:      hm,
	}, logger)
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("Research API listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Research API failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Research API shutdown incomplete", zap.Error(err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Runs still active at shutdown", zap.Error(err))
	}
	grpcHealth.Shutdown()
	grpcServer.GracefulStop()
	_ = metricsServer.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
}

// syncServingStatus mirrors readiness into the gRPC health service
func syncServingStatus(ctx context.Context, hm *health.Manager, srv *grpchealth.Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if hm.IsReady(checkCtx) {
			status = healthpb.HealthCheckResponse_SERVING
		}
		cancel()
		srv.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
