package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// spans are safe without a provider
	_, span := StartNodeSpan(context.Background(), "run-1", "PLAN", 1)
	span.End()
}

func TestTraceparentRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("test")

	ctx, span := StartSpan(context.Background(), "fetch")
	defer span.End()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	InjectTraceparent(ctx, req)

	traceID, spanID, _, ok := ParseTraceparent(req.Header.Get("traceparent"))
	require.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)

	_, _, _, ok = ParseTraceparent("01-a-b-00")
	assert.False(t, ok)
}
