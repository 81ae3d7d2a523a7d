package embeddings

import "time"

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to an Ollama-compatible server exposing /api/embed
	BaseURL string `mapstructure:"base_url"`
	// Model is the embedding model
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RedisAddr enables the shared Redis tier when set (host:port)
	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	MaxLRU    int           `mapstructure:"max_lru"`
	// BatchSize caps texts per embedding request
	BatchSize int `mapstructure:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 4096
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	return c
}
