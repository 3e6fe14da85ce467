package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
	Circuit       CircuitConfig       `json:"circuit"`
	Retry         RetryConfig         `json:"retry"`
	Keys          KeysConfig          `json:"keys"`
	Execution     ExecutionConfig     `json:"execution"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Budget        BudgetConfig        `json:"budget"`
	Logging       LoggingConfig       `json:"logging"`
}

// ServerConfig contains the observability HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// RateLimitConfig contains per-provider token bucket configuration
type RateLimitConfig struct {
	RequestsPerMinute  int           `json:"requests_per_minute"`
	TokensPerMinute    int           `json:"tokens_per_minute"`
	ConcurrentRequests int           `json:"concurrent_requests"`
	InitialBackoff     time.Duration `json:"initial_backoff"`
	MaxBackoff         time.Duration `json:"max_backoff"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
}

// CircuitConfig contains circuit breaker thresholds
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout"`
}

// RetryConfig contains retry executor configuration
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	JitterRange       float64       `json:"jitter_range"`
}

// KeysConfig contains credential rotation configuration
type KeysConfig struct {
	FailureThreshold int `json:"failure_threshold"`
}

// ExecutionConfig contains execution strategy configuration
type ExecutionConfig struct {
	MaxWorkers  int           `json:"max_workers"`
	CallTimeout time.Duration `json:"call_timeout"`
	PassContext bool          `json:"pass_context"`
}

// ConsolidationConfig contains consensus consolidation thresholds
type ConsolidationConfig struct {
	ClusterThreshold float64 `json:"cluster_threshold"`
	MergeThreshold   float64 `json:"merge_threshold"`
	MaxGoals         int     `json:"max_goals"`
	MaxPainPoints    int     `json:"max_pain_points"`
}

// BudgetConfig contains windowed cost budget limits in USD. Zero disables a window.
type BudgetConfig struct {
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	WeeklyLimitUSD  float64 `json:"weekly_limit_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:  getEnvInt("RATE_LIMIT_RPM", 60),
			TokensPerMinute:    getEnvInt("RATE_LIMIT_TPM", 90000),
			ConcurrentRequests: getEnvInt("RATE_LIMIT_CONCURRENT", 5),
			InitialBackoff:     getEnvDuration("RATE_LIMIT_INITIAL_BACKOFF", time.Second),
			MaxBackoff:         getEnvDuration("RATE_LIMIT_MAX_BACKOFF", time.Minute),
			BackoffMultiplier:  getEnvFloat("RATE_LIMIT_BACKOFF_MULTIPLIER", 2.0),
		},
		Circuit: CircuitConfig{
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("CIRCUIT_SUCCESS_THRESHOLD", 2),
			OpenTimeout:      getEnvDuration("CIRCUIT_OPEN_TIMEOUT", 60*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvInt("RETRY_MAX_RETRIES", 3),
			InitialDelay:      getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			JitterRange:       getEnvFloat("RETRY_JITTER_RANGE", 0.25),
		},
		Keys: KeysConfig{
			FailureThreshold: getEnvInt("KEYS_FAILURE_THRESHOLD", 3),
		},
		Execution: ExecutionConfig{
			MaxWorkers:  getEnvInt("EXECUTION_MAX_WORKERS", 4),
			CallTimeout: getEnvDuration("EXECUTION_CALL_TIMEOUT", 2*time.Minute),
			PassContext: getEnvBool("EXECUTION_PASS_CONTEXT", false),
		},
		Consolidation: ConsolidationConfig{
			ClusterThreshold: getEnvFloat("CONSOLIDATION_CLUSTER_THRESHOLD", 0.6),
			MergeThreshold:   getEnvFloat("CONSOLIDATION_MERGE_THRESHOLD", 0.75),
			MaxGoals:         getEnvInt("CONSOLIDATION_MAX_GOALS", 5),
			MaxPainPoints:    getEnvInt("CONSOLIDATION_MAX_PAIN_POINTS", 3),
		},
		Budget: BudgetConfig{
			DailyLimitUSD:   getEnvFloat("BUDGET_DAILY_LIMIT_USD", 0),
			WeeklyLimitUSD:  getEnvFloat("BUDGET_WEEKLY_LIMIT_USD", 0),
			MonthlyLimitUSD: getEnvFloat("BUDGET_MONTHLY_LIMIT_USD", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive")
	}
	if c.RateLimit.ConcurrentRequests <= 0 {
		return fmt.Errorf("concurrent request cap must be positive")
	}
	if c.Circuit.FailureThreshold <= 0 || c.Circuit.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit thresholds must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Retry.JitterRange < 0 || c.Retry.JitterRange > 1 {
		return fmt.Errorf("jitter range must be in [0, 1]")
	}
	if c.Consolidation.ClusterThreshold < 0 || c.Consolidation.ClusterThreshold > 1 {
		return fmt.Errorf("cluster threshold must be in [0, 1]")
	}
	if c.Consolidation.MergeThreshold < c.Consolidation.ClusterThreshold {
		return fmt.Errorf("merge threshold must be >= cluster threshold")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
