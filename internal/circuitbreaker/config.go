package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig is the env-tunable part of a breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// fromEnv reads CB_<prefix>_* overrides on top of defaults
func fromEnv(prefix string, def CircuitBreakerConfig) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_"+prefix+"_MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration("CB_"+prefix+"_INTERVAL", def.Interval),
		Timeout:          getEnvDuration("CB_"+prefix+"_TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32("CB_"+prefix+"_FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32("CB_"+prefix+"_SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// GetLLMConfig returns the inference breaker configuration. Inference calls are
// slow and already retried by the unit-of-work executor, so the breaker opens late.
func GetLLMConfig() CircuitBreakerConfig {
	return fromEnv("LLM", CircuitBreakerConfig{
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 10,
		SuccessThreshold: 1,
	})
}

// GetSearchConfig returns the web search breaker configuration
func GetSearchConfig() CircuitBreakerConfig {
	return fromEnv("SEARCH", CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// GetFetchConfig returns the page fetch breaker configuration
func GetFetchConfig() CircuitBreakerConfig {
	return fromEnv("FETCH", CircuitBreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 8,
		SuccessThreshold: 2,
	})
}

// GetEmbeddingConfig returns the embedding service breaker configuration
func GetEmbeddingConfig() CircuitBreakerConfig {
	return fromEnv("EMBED", CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetRedisConfig returns the Redis breaker configuration
func GetRedisConfig() CircuitBreakerConfig {
	return fromEnv("REDIS", CircuitBreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetDatabaseConfig returns the report database breaker configuration
func GetDatabaseConfig() CircuitBreakerConfig {
	return fromEnv("DB", CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
