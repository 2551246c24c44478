// Package config provides configuration management for the agent valuator.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Chain     ChainConfig
	Oracle    OracleConfig
	Snapshot  SnapshotConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Mode is "postgres" (postgres + clickhouse + redis) or "memory"
	Mode string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	Enabled        bool
}

// ChainConfig holds the RPC setup for the chain being valued
type ChainConfig struct {
	Name string
	// RPCEndpoints are tried in order; rate-limited endpoints rotate out
	RPCEndpoints     []string
	RPCCooldown      time.Duration
	CallTimeout      time.Duration
	CallsPerSecond   int
	CircuitThreshold int
}

// OracleConfig holds price resolution parameters
type OracleConfig struct {
	RegistryPath                  string
	CacheTTL                      time.Duration
	MinCacheConfidence            float64
	StalenessBound                time.Duration
	ReferenceConfidenceMultiplier float64
	FallbackConfidence            float64
}

// SnapshotConfig holds the scheduled snapshot cadence
type SnapshotConfig struct {
	Interval time.Duration
	Enabled  bool
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Storage: StorageConfig{
			Mode: getEnv("STORAGE_MODE", "postgres"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "agent_valuator"),
				User:           getEnv("POSTGRES_USER", "valuator"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "agent_valuator"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
			},
		},
		Chain: ChainConfig{
			Name:             getEnv("CHAIN", "optimism"),
			RPCEndpoints:     splitList(getEnv("RPC_ENDPOINTS", "")),
			RPCCooldown:      getEnvAsDuration("RPC_COOLDOWN", 60*time.Second),
			CallTimeout:      getEnvAsDuration("RPC_CALL_TIMEOUT", 10*time.Second),
			CallsPerSecond:   getEnvAsInt("RPC_CALLS_PER_SECOND", 25),
			CircuitThreshold: getEnvAsInt("RPC_CIRCUIT_THRESHOLD", 10),
		},
		Oracle: OracleConfig{
			RegistryPath:                  getEnv("TOKEN_REGISTRY_PATH", "config/tokens.yaml"),
			CacheTTL:                      getEnvAsDuration("PRICE_CACHE_TTL", 300*time.Second),
			MinCacheConfidence:            getEnvAsFloat("PRICE_MIN_CACHE_CONFIDENCE", 0.5),
			StalenessBound:                getEnvAsDuration("PRICE_STALENESS_BOUND", 24*time.Hour),
			ReferenceConfidenceMultiplier: getEnvAsFloat("PRICE_REFERENCE_CONFIDENCE_MULTIPLIER", 0.9),
			FallbackConfidence:            getEnvAsFloat("PRICE_FALLBACK_CONFIDENCE", 0.95),
		},
		Snapshot: SnapshotConfig{
			Interval: getEnvAsDuration("SNAPSHOT_INTERVAL", time.Hour),
			Enabled:  getEnvAsBool("SNAPSHOT_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_MODE must be postgres or memory, got %q", c.Storage.Mode)
	}
	if c.Oracle.MinCacheConfidence < 0 || c.Oracle.MinCacheConfidence > 1 {
		return fmt.Errorf("PRICE_MIN_CACHE_CONFIDENCE must be within [0, 1]")
	}
	if c.Oracle.ReferenceConfidenceMultiplier <= 0 || c.Oracle.ReferenceConfidenceMultiplier > 1 {
		return fmt.Errorf("PRICE_REFERENCE_CONFIDENCE_MULTIPLIER must be within (0, 1]")
	}
	if c.Oracle.CacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
