// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the Conduit engine.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Management API
	AdminAPIKey string // Required for /v1 endpoints; empty = no auth

	// Database (optional; empty host disables the cost archive)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Queue
	QueueMaxDepth    int64
	WorkerCount      int
	SemanticCacheTTL int // hours

	// Provider API keys, held in memory only
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	DeepSeekKey  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("CONDUIT_PORT", "8080"),
		LogLevel: getEnv("CONDUIT_LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("CONDUIT_ADMIN_API_KEY"),

		DBHost:     os.Getenv("POSTGRES_HOST"),
		DBName:     getEnv("POSTGRES_DB", "conduit"),
		DBUser:     getEnv("POSTGRES_USER", "conduit"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeekKey:  os.Getenv("DEEPSEEK_API_KEY"),
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	maxDepth, err := strconv.ParseInt(getEnv("CONDUIT_QUEUE_MAX_DEPTH", "10000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CONDUIT_QUEUE_MAX_DEPTH: %w", err)
	}
	cfg.QueueMaxDepth = maxDepth

	workers, err := strconv.Atoi(getEnv("CONDUIT_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONDUIT_WORKERS: %w", err)
	}
	if workers < 1 {
		return nil, fmt.Errorf("CONDUIT_WORKERS must be at least 1")
	}
	cfg.WorkerCount = workers

	cacheTTL, err := strconv.Atoi(getEnv("CONDUIT_CACHE_TTL_HOURS", "24"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONDUIT_CACHE_TTL_HOURS: %w", err)
	}
	cfg.SemanticCacheTTL = cacheTTL

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
