package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

const lruTTL = 30 * time.Minute

// Service generates embeddings with an in-process LRU and an optional shared cache
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	cache  EmbeddingCache
	lru    *LocalLRU
	logger *zap.Logger
}

// NewService creates the embedding service; cache may be nil
func NewService(cfg Config, cache EmbeddingCache, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	hw := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout, Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}, "embed", "embeddings", circuitbreaker.GetEmbeddingConfig(), logger)
	return &Service{cfg: cfg, http: hw, cache: cache, lru: NewLocalLRU(cfg.MaxLRU), logger: logger}
}

// Model returns the embedding model
func (s *Service) Model() string {
	if s == nil {
		return ""
	}
	return s.cfg.Model
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// GenerateEmbedding returns the vector for a single text
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings embeds texts, serving cached vectors first. The
// result is index-aligned with texts.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	results := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.CacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				metrics.CacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		metrics.CacheMisses.Inc()
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := make([]string, 0, end-start)
		for _, idx := range missing[start:end] {
			batch = append(batch, texts[idx])
		}

		vectors, err := s.embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, idx := range missing[start:end] {
			results[idx] = vectors[j]
			key := MakeKey(s.cfg.Model, texts[idx])
			s.lru.Set(ctx, key, vectors[j], lruTTL)
			if s.cache != nil {
				s.cache.Set(ctx, key, vectors[j], s.cfg.CacheTTL)
			}
		}
	}
	return results, nil
}

func (s *Service) embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/api/embed"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Model: s.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		metrics.RecordEmbeddingMetrics(s.cfg.Model, "mismatch", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, e := range er.Embeddings {
		v := make([]float32, len(e))
		for j, f := range e {
			v[j] = float32(f)
		}
		out[i] = v
	}
	metrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}
