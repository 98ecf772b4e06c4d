// Package config provides environment-based configuration for the build plane.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the build plane.
type Config struct {
	// Database configuration. Empty selects the in-memory store.
	DatabaseDSN string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration
	APIKey    string

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// StageConfigPath points at the YAML file mapping stages to
	// their endpoints.
	StageConfigPath string

	// Orchestrator configuration
	Orchestrator OrchestratorConfig

	// Retry configuration for transient stage failures
	Retry RetryConfig
}

// OrchestratorConfig holds pipeline-specific configuration.
type OrchestratorConfig struct {
	FanoutConcurrency    int
	ExecutionTimeout     time.Duration
	DefaultMaxIterations int
}

// RetryConfig holds stage retry configuration.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIKey:          getEnv("API_KEY", ""),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		StageConfigPath: getEnv("STAGE_CONFIG", "stages.yaml"),
		Orchestrator: OrchestratorConfig{
			FanoutConcurrency:    getIntEnv("BUILDER_CONCURRENCY", 6),
			ExecutionTimeout:     getDurationEnv("EXECUTION_TIMEOUT", 2*time.Hour),
			DefaultMaxIterations: getIntEnv("DEFAULT_MAX_ITERATIONS", 3),
		},
		Retry: RetryConfig{
			MaxAttempts: getIntEnv("STAGE_RETRY_ATTEMPTS", 3),
			Backoff:     getDurationEnv("STAGE_RETRY_BACKOFF", 2*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Orchestrator.FanoutConcurrency < 1 {
		return fmt.Errorf("BUILDER_CONCURRENCY must be at least 1")
	}
	if c.Orchestrator.DefaultMaxIterations < 1 {
		return fmt.Errorf("DEFAULT_MAX_ITERATIONS must be at least 1")
	}
	return nil
}

// AuthEnabled reports whether API requests require authentication.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != "" || c.APIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
