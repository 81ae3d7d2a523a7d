package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker pings the event stream mirror
type RedisHealthChecker struct {
	client   redis.UniversalClient
	critical bool
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis checker
func NewRedisHealthChecker(client redis.UniversalClient, critical bool) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, critical: critical, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	return latencyResult("Redis", start, err)
}

// Pinger is a dependency that can be pinged
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps any Pinger, such as the SQL report store
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
}

// NewPingChecker creates a checker named name
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical, timeout: 5 * time.Second}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	return latencyResult(p.name, start, p.target.Ping(ctx))
}

// HTTPChecker probes an HTTP endpoint. Any status below 500 counts as up.
type HTTPChecker struct {
	name     string
	url      string
	client   *http.Client
	breaker  func() circuitbreaker.State
	critical bool
	timeout  time.Duration
}

// NewHTTPChecker creates an HTTP checker; breaker may be nil
func NewHTTPChecker(name, url string, breaker func() circuitbreaker.State, critical bool) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		breaker:  breaker,
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (h *HTTPChecker) Name() string           { return h.name }
func (h *HTTPChecker) IsCritical() bool       { return h.critical }
func (h *HTTPChecker) Timeout() time.Duration { return h.timeout }

func (h *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if h.breaker != nil && h.breaker() == circuitbreaker.StateOpen {
		return CheckResult{
			Status:   StatusUnhealthy,
			Error:    "circuit breaker open",
			Message:  h.name + " circuit breaker is open",
			Duration: time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return latencyResult(h.name, start, err)
	}
	resp, err := h.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return latencyResult(h.name, start, err)
}

// latencyResult marks slow successes as degraded
func latencyResult(component string, start time.Time, err error) CheckResult {
	d := time.Since(start)
	res := CheckResult{Duration: d, Details: map[string]interface{}{"latency_ms": d.Milliseconds()}}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = component + " check failed"
	case d > slowThreshold:
		res.Status = StatusDegraded
		res.Message = component + " responding with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = component + " healthy"
	}
	return res
}
