package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/tracing"
)

// ErrModelNotFound is returned when the inference server does not know the model
var ErrModelNotFound = errors.New("model not found")

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System builds a system message
func System(content string) Message { return Message{Role: "system", Content: content} }

// User builds a user message
func User(content string) Message { return Message{Role: "user", Content: content} }

// Request is one structured-output completion
type Request struct {
	Messages []Message
	// Schema is the JSON schema the response must follow
	Schema json.RawMessage
}

// Config holds inference client settings
type Config struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	EmbedModel  string        `mapstructure:"embed_model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	// RateLimit paces chat calls; zero disables pacing
	RateLimit ratecontrol.Limit `mapstructure:"rate_limit"`
}

// Client talks to an Ollama-compatible chat endpoint
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	pacer  *ratecontrol.Pacer
	logger *zap.Logger
}

// NewClient creates an inference client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen3:8b"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hw := circuitbreaker.NewHTTPWrapper(&http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}, "llm-chat", "llm", circuitbreaker.GetLLMConfig(), logger)
	return &Client{cfg: cfg, http: hw, pacer: ratecontrol.NewPacer(cfg.RateLimit), logger: logger}
}

// Model returns the configured chat model
func (c *Client) Model() string { return c.cfg.Model }

// BaseURL returns the inference endpoint
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// BreakerState reports the state of the chat endpoint breaker
func (c *Client) BreakerState() circuitbreaker.State { return c.http.State() }

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// Complete sends req and returns the raw assistant content
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/chat"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	if err := c.wait(ctx, req.Messages); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: req.Messages,
		Stream:   false,
		Format:   req.Schema,
		Options:  map[string]any{"temperature": c.cfg.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, c.cfg.Model)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("inference service error: %s", out.Error)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", fmt.Errorf("inference service returned empty message")
	}
	return out.Message.Content, nil
}

func (c *Client) wait(ctx context.Context, msgs []Message) error {
	if c.pacer == nil {
		return nil
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	start := time.Now()
	err := c.pacer.Wait(ctx, ratecontrol.EstimateTokens(texts...))
	if waited := time.Since(start); waited > time.Second {
		c.logger.Debug("Chat call paced", zap.Duration("waited", waited))
	}
	return err
}
