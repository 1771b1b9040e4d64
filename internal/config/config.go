// Package config handles application configuration from environment variables
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
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"; empty picks by Env

	// Storage (all optional, in-memory fallbacks when unset)
	DatabaseURL string
	AutoMigrate bool // apply embedded migrations at startup
	RedisURL    string

	// Alert transport
	KafkaBrokers    []string
	KafkaAlertTopic string
	AlertQueueSize  int
	AlertWorkers    int

	// External fraud scorer
	ScorerURL     string
	ScorerTimeout time.Duration

	// Fingerprint tracker
	FingerprintHeader        string
	FingerprintWindow        time.Duration
	FingerprintSweepInterval time.Duration
	FingerprintMaxWindows    int

	// Transfers
	IdempotencyTTL    time.Duration
	ReconcileInterval time.Duration // 0 disables the reconciliation timer

	// Security
	InternalAPIKey string // guards batch ingestion and admin routes
	RateLimitRPM   int
	AllowedOrigins string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultKafkaAlertTopic          = "mulehunter.fraud-alerts"
	DefaultAlertQueueSize           = 1024
	DefaultAlertWorkers             = 2
	DefaultScorerTimeout            = 2 * time.Second
	DefaultFingerprintHeader        = "X-JA3-Fingerprint"
	DefaultFingerprintWindow        = 5 * time.Minute
	DefaultFingerprintSweepInterval = time.Minute
	DefaultFingerprintMaxWindows    = 1_000_000
	DefaultIdempotencyTTL           = 24 * time.Hour
	DefaultReconcileInterval        = 5 * time.Minute
	DefaultRateLimit                = 600
	DefaultTraceSampleRatio         = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                os.Getenv("LOG_FORMAT"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		AutoMigrate:              getEnvBool("AUTO_MIGRATE"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		KafkaBrokers:             getEnvList("KAFKA_BROKERS"),
		KafkaAlertTopic:          getEnv("KAFKA_ALERT_TOPIC", DefaultKafkaAlertTopic),
		AlertQueueSize:           int(getEnvInt64("ALERT_QUEUE_SIZE", DefaultAlertQueueSize)),
		AlertWorkers:             int(getEnvInt64("ALERT_WORKERS", DefaultAlertWorkers)),
		ScorerURL:                os.Getenv("SCORER_URL"),
		ScorerTimeout:            getEnvDuration("SCORER_TIMEOUT", DefaultScorerTimeout),
		FingerprintHeader:        getEnv("FINGERPRINT_HEADER", DefaultFingerprintHeader),
		FingerprintWindow:        getEnvDuration("FINGERPRINT_WINDOW", DefaultFingerprintWindow),
		FingerprintSweepInterval: getEnvDuration("FINGERPRINT_SWEEP_INTERVAL", DefaultFingerprintSweepInterval),
		FingerprintMaxWindows:    int(getEnvInt64("FINGERPRINT_MAX_WINDOWS", DefaultFingerprintMaxWindows)),
		IdempotencyTTL:           getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		ReconcileInterval:        getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		InternalAPIKey:           os.Getenv("INTERNAL_API_KEY"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:           os.Getenv("ALLOWED_ORIGINS"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.ScorerTimeout <= 0 {
		return fmt.Errorf("SCORER_TIMEOUT must be positive")
	}
	if c.FingerprintWindow <= 0 {
		return fmt.Errorf("FINGERPRINT_WINDOW must be positive")
	}
	if c.FingerprintSweepInterval <= 0 {
		return fmt.Errorf("FINGERPRINT_SWEEP_INTERVAL must be positive")
	}
	if c.AlertQueueSize < 1 {
		return fmt.Errorf("ALERT_QUEUE_SIZE must be at least 1")
	}
	if c.AlertWorkers < 1 {
		return fmt.Errorf("ALERT_WORKERS must be at least 1")
	}
	if c.FingerprintHeader == "" {
		return fmt.Errorf("FINGERPRINT_HEADER must not be empty")
	}
	if c.IsProduction() && c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1]")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaAlertTopic == "" {
		return fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
