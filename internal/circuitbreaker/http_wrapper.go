package circuitbreaker

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// HTTPWrapper wraps an http.Client with a circuit breaker, trace propagation
// and per-service metrics
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates an HTTP wrapper for one external collaborator
func NewHTTPWrapper(client *http.Client, name, service string, cfg CircuitBreakerConfig, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, cfg.ToConfig(), logger)
	Metrics.Register(service, name, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do executes an HTTP request through the circuit breaker. 5xx and 429
// responses count as breaker failures but are still returned to the caller.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	tracing.InjectTraceparent(req.Context(), req)

	start := time.Now()
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = hw.client.Do(req)
		if err2 != nil {
			return err2
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	Metrics.Observe(hw.service, hw.name, err)

	status := "ok"
	switch {
	case err == nil:
	case resp != nil:
		status = strconv.Itoa(resp.StatusCode)
	default:
		status = "error"
	}
	metrics.RecordExternalCall(hw.service, status, time.Since(start).Seconds())

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the breaker state for health checks
func (hw *HTTPWrapper) State() State {
	return hw.cb.State()
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
