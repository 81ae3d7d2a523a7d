// Package roles implements the four units of work of a research run: query
// planning, per-query research, sufficiency review and report writing.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/search"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// Inference produces structured model output for a prompt
type Inference interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Searcher returns web hits for a query
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Fetcher returns the readable text of a page
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Ranker picks the passages of fetched pages most relevant to a query
type Ranker interface {
	SelectRelevant(ctx context.Context, query string, docs []retrieval.Document) ([]retrieval.Passage, error)
}

// Sentinel values produced when a unit of work exhausts its attempts
const (
	PlanFailedReason    = "The query generation has failed."
	ReviewFailedMessage = "An error occurred during review."
	WriteFailedReport   = "An error occurred while writing the report."
)

var errEmptyOutput = errors.New("empty structured output")

// complete runs one structured inference and decodes it into out. Unknown
// models and an open breaker are permanent failures.
func complete(ctx context.Context, inf Inference, role executor.Role, msgs []llm.Message, schema json.RawMessage, out any) error {
	ctx, span := tracing.StartSpan(ctx, "inference."+string(role))
	defer span.End()
	span.SetAttributes(attribute.String("research.role", string(role)))

	raw, err := inf.Complete(ctx, llm.Request{Messages: msgs, Schema: schema})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, llm.ErrModelNotFound) || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			return executor.Permanent(err)
		}
		return err
	}
	if err := llm.DecodeStructured(raw, out); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("%s output: %w", role, err)
	}
	return nil
}

func formatNow(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}
