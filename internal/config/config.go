// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet service (external ledger performing primitive debit/credit)
	WalletURL     string
	WalletTimeout time.Duration

	// Event bus
	KafkaBrokers string // Comma-separated broker list (optional, log-only bus if not set)
	KafkaTopic   string

	// Idempotency
	RedisURL       string // Optional, in-memory idempotency cache if not set
	IdempotencyTTL time.Duration

	// Escrow timeout sweeping
	SweepInterval time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultKafkaTopic     = "settlement.events"
	DefaultWalletTimeout  = 10 * time.Second
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultSweepInterval  = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WalletURL:      os.Getenv("WALLET_URL"),   // Required
		WalletTimeout:  getEnvDuration("WALLET_TIMEOUT", DefaultWalletTimeout),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:     getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		RedisURL:       os.Getenv("REDIS_URL"),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WalletURL == "" {
		return fmt.Errorf("WALLET_URL is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	return nil
}

// IsProduction returns true when running in production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
