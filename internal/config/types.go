package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Breaker   BreakerConfig   `yaml:"breaker" mapstructure:"breaker"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Upstream  UpstreamConfig  `yaml:"upstream" mapstructure:"upstream"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size" mapstructure:"max_body_size"`
	RequestLogging  bool          `yaml:"request_logging" mapstructure:"request_logging"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig selects the primary upstream and its endpoints
type ProviderConfig struct {
	// Name selects the primary provider: mock, openai
	Name          string `yaml:"name" mapstructure:"name"`
	OpenAIBaseURL string `yaml:"openai_base_url" mapstructure:"openai_base_url"`
	OpenAIAPIKey  string `yaml:"openai_api_key" mapstructure:"openai_api_key"`
	OllamaURL     string `yaml:"ollama_url" mapstructure:"ollama_url"`
	OllamaModel   string `yaml:"ollama_model" mapstructure:"ollama_model"`
}

// AuthConfig holds the allowed bearer credentials
type AuthConfig struct {
	// APIKeys is the raw comma-separated CIRCUIT_API_KEYS value
	APIKeys string `yaml:"api_keys" mapstructure:"api_keys"`
}

// Keys returns the allowed API keys, trimmed, empty entries dropped
func (a *AuthConfig) Keys() []string {
	parts := strings.Split(a.APIKeys, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// StorageConfig holds persistent store settings
type StorageConfig struct {
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
	// RedisURL, when set, selects the shared-store rate limiter
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// RateLimitConfig defines the per-client token bucket
type RateLimitConfig struct {
	Capacity       int     `yaml:"capacity" mapstructure:"capacity"`
	RefillPerSec   float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
	RequestsPerMin int     `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// EffectiveRefillPerSec prefers the explicit refill rate, falling back to
// requests_per_min spread over a minute.
func (r *RateLimitConfig) EffectiveRefillPerSec() float64 {
	if r.RefillPerSec > 0 {
		return r.RefillPerSec
	}
	if r.RequestsPerMin > 0 {
		return float64(r.RequestsPerMin) / 60.0
	}
	return 1
}

// QuotaConfig defines daily spend limits
type QuotaConfig struct {
	DailyUSDLimit   float64 `yaml:"daily_usd_limit" mapstructure:"daily_usd_limit"`
	MaxOutputTokens int     `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// BreakerConfig defines the primary-path circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// RetryConfig defines the bounded retry policy
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// UpstreamConfig defines the layered upstream call timeouts
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout" mapstructure:"total_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Theme       string `yaml:"theme" mapstructure:"theme"`
	LogDir      string `yaml:"log_dir" mapstructure:"log_dir"`
	FileOutput  bool   `yaml:"file_output" mapstructure:"file_output"`
	LogPayloads bool   `yaml:"log_payloads" mapstructure:"log_payloads"`
}
