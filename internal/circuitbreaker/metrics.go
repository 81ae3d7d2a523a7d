package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "researcher_circuit_breaker_state",
			Help: "Breaker state per collaborator (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service", "name"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_circuit_breaker_calls_total",
			Help: "Calls through a breaker by outcome (success, failure, rejected)",
		},
		[]string{"service", "name", "outcome"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_circuit_breaker_transitions_total",
			Help: "Breaker state transitions",
		},
		[]string{"service", "name", "from", "to"},
	)

	breakerOpenedAt = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "researcher_circuit_breaker_opened_at_seconds",
			Help: "Unix time the breaker last opened, 0 while closed",
		},
		[]string{"service", "name"},
	)
)

type breakerKey struct {
	service string
	name    string
}

// Collector exports the state of registered breakers
type Collector struct {
	mu       sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}

// NewCollector returns an empty collector
func NewCollector() *Collector {
	return &Collector{breakers: make(map[breakerKey]*CircuitBreaker)}
}

// Metrics is the process-wide collector the wrappers register with
var Metrics = NewCollector()

// Register tracks cb and chains its state-change hook. Call it before the
// breaker is shared.
func (c *Collector) Register(service, name string, cb *CircuitBreaker) {
	c.mu.Lock()
	c.breakers[breakerKey{service, name}] = cb
	c.mu.Unlock()

	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(n string, from, to State) {
		if prev != nil {
			prev(n, from, to)
		}
		breakerTransitions.WithLabelValues(service, name, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(service, name).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenedAt.WithLabelValues(service, name).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenedAt.WithLabelValues(service, name).Set(0)
		}
	}
	breakerState.WithLabelValues(service, name).Set(float64(cb.State()))
}

// Observe counts one call outcome
func (c *Collector) Observe(service, name string, err error) {
	outcome := "success"
	switch {
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrTooManyRequests):
		outcome = "rejected"
	case err != nil:
		outcome = "failure"
	}
	breakerCalls.WithLabelValues(service, name, outcome).Inc()
}

// Refresh republishes every breaker state; open breakers turn half-open
// lazily so the gauge would otherwise lag.
func (c *Collector) Refresh() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, cb := range c.breakers {
		breakerState.WithLabelValues(k.service, k.name).Set(float64(cb.State()))
	}
}

// StartMetricsCollection refreshes Metrics every interval until ctx ends
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				Metrics.Refresh()
			}
		}
	}()
}
