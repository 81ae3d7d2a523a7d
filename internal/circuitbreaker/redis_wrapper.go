package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards the embedding cache's Redis client with a circuit breaker.
// redis.Nil is a cache miss, not a failure.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	Metrics.Register(service, "redis", cb)

	return &RedisWrapper{client: client, cb: cb, service: service, logger: logger}
}

func (rw *RedisWrapper) guard(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		if err := fn(); err != nil && err != redis.Nil {
			return err
		}
		return nil
	})
	Metrics.Observe(rw.service, "redis", err)
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.guard(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	if err := rw.guard(ctx, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	}); err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	if err := rw.guard(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	}); err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	if err := rw.guard(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	}); err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
