package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, func() error { return errors.New("search backend down") }))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, ErrCircuitBreakerOpen, cb.Execute(ctx, func() error { return nil }))

	now = now.Add(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, ErrTooManyRequests, cb.Execute(ctx, func() error { return nil }))
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("error") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func() error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)

	// already-cancelled contexts never reach fn
	called := false
	err = cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var fromState, toState State
	called := false
	config.OnStateChange = func(name string, from State, to State) {
		called = true
		fromState, toState = from, to
	}

	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("error") })
	}

	assert.True(t, called)
	assert.Equal(t, StateClosed, fromState)
	assert.Equal(t, StateOpen, toState)
}

func TestHTTPWrapper_ServerErrorsTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := GetFetchConfig()
	cfg.FailureThreshold = 2
	hw := NewHTTPWrapper(srv.Client(), "fetch-test", "fetch", cfg, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		require.NoError(t, err, "5xx is returned to the caller")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Equal(t, StateOpen, hw.State())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := hw.Do(req)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CB_LLM_FAILURE_THRESHOLD", "7")
	t.Setenv("CB_LLM_TIMEOUT", "3s")

	cfg := GetLLMConfig()
	assert.Equal(t, uint32(7), cfg.FailureThreshold)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(2), cfg.MaxRequests)
}
