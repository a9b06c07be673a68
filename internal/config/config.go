package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort = 18080
	DefaultHost = "localhost"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     1 << 20,
			RequestLogging:  true,
		},
		Provider: ProviderConfig{
			Name:          "mock",
			OpenAIBaseURL: "https://api.openai.com/v1",
			OllamaURL:     "http://127.0.0.1:11434",
			OllamaModel:   "llama3.2:1b",
		},
		Storage: StorageConfig{
			DBPath: "./circuit.db",
		},
		RateLimit: RateLimitConfig{
			Capacity:       20,
			RefillPerSec:   5,
			RequestsPerMin: 60,
		},
		Quota: QuotaConfig{
			DailyUSDLimit:   10.0,
			MaxOutputTokens: 4096,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   500 * time.Millisecond,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 500 * time.Millisecond,
			ReadTimeout:    1 * time.Second,
			TotalTimeout:   1500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
			Theme: "default",
		},
	}
}

// envBindings maps config keys to their environment variable names. The
// names are part of the deployment contract, so they are bound explicitly
// rather than derived from the key path.
var envBindings = map[string]string{
	"provider.name":           "PROVIDER",
	"provider.openai_api_key": "OPENAI_API_KEY",
	"auth.api_keys":           "CIRCUIT_API_KEYS",
	"logging.log_payloads":    "CIRCUIT_LOG_PAYLOADS",
	"storage.db_path":         "CIRCUIT_DB_PATH",
	"storage.redis_url":       "REDIS_URL",
	"rate_limit.requests_per_min": "CIRCUIT_REQUESTS_PER_MIN",
	"quota.daily_usd_limit":       "CIRCUIT_DAILY_USD_LIMIT",
	"quota.max_output_tokens":     "CIRCUIT_MAX_OUTPUT_TOKENS",
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("CIRCUIT")
	viper.AutomaticEnv()

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	// Try to read config file; it's okay if it doesn't exist
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if len(c.Auth.Keys()) == 0 {
		return fmt.Errorf("no API keys configured; set CIRCUIT_API_KEYS")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive, got %d", c.RateLimit.Capacity)
	}
	if c.Quota.DailyUSDLimit < 0 {
		return fmt.Errorf("quota.daily_usd_limit must not be negative, got %f", c.Quota.DailyUSDLimit)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}
