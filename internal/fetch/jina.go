package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
)

const jinaEndpoint = "https://r.jina.ai/"

// JinaOptions tunes the reader proxy fetcher
type JinaOptions struct {
	APIKey   string
	Endpoint string
	MaxChars int
	Client   *http.Client
}

// JinaReader fetches pages through the Jina reader proxy, which returns the
// page as markdown without images
type JinaReader struct {
	apiKey   string
	endpoint string
	maxChars int
	http     *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
}

// NewJinaReader creates the fetcher
func NewJinaReader(opts JinaOptions, logger *zap.Logger) *JinaReader {
	if opts.Endpoint == "" {
		opts.Endpoint = jinaEndpoint
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JinaReader{
		apiKey:   opts.APIKey,
		endpoint: strings.TrimRight(opts.Endpoint, "/") + "/",
		maxChars: opts.MaxChars,
		http:     newWrapper(opts.Client, "jina-reader", logger),
		logger:   logger,
	}
}

// Fetch implements Fetcher
func (j *JinaReader) Fetch(ctx context.Context, url string) (string, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errors.New("fetch url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.endpoint+url, nil)
	if err != nil {
		return "", err
	}
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}
	req.Header.Set("X-Retain-Images", "none")
	req.Header.Set("X-Return-Format", "markdown")

	resp, err := j.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reader http %d for %s", resp.StatusCode, url)
	}

	// a rune is at most 4 bytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(j.maxChars)*4))
	if err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	return Truncate(string(body), j.maxChars), nil
}
