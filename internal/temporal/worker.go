package temporal

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/registry"
)

// Dial connects to Temporal, retrying with a growing delay until ctx ends
func Dial(ctx context.Context, host, namespace string, logger *zap.Logger) (client.Client, error) {
	for attempt := 1; ; attempt++ {
		if conn, err := net.DialTimeout("tcp", host, 2*time.Second); err == nil {
			_ = conn.Close()
			c, err := client.Dial(client.Options{
				HostPort:  host,
				Namespace: namespace,
				Logger:    NewZapAdapter(logger),
			})
			if err == nil {
				return c, nil
			}
			logger.Warn("Temporal not ready, retrying", zap.Int("attempt", attempt), zap.String("host", host), zap.Error(err))
		} else {
			logger.Warn("Waiting for Temporal TCP endpoint", zap.Int("attempt", attempt), zap.String("host", host))
		}

		delay := time.Duration(attempt) * time.Second
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial temporal %s: %w", host, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// NewWorker creates a worker on queue with the registry's workflows and
// activities registered; the caller starts and stops it
func NewWorker(c client.Client, queue string, reg registry.Registry, maxActivities int) (worker.Worker, error) {
	wk := worker.New(c, queue, worker.Options{
		MaxConcurrentActivityExecutionSize: maxActivities,
	})
	if err := reg.RegisterWorkflows(wk); err != nil {
		return nil, fmt.Errorf("register workflows: %w", err)
	}
	if err := reg.RegisterActivities(wk); err != nil {
		return nil, fmt.Errorf("register activities: %w", err)
	}
	return wk, nil
}
