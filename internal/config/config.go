// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Per-chain RPC endpoints
// (ETH_RPC_URL, BASE_RPC_URL, AVAX_RPC_URL and any rpc_env named in
// CHAINS_FILE) are resolved by the chain catalogue.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text", "json"

	// Storage
	DatabaseURL string // PostgreSQL; takes precedence over BadgerPath
	BadgerPath  string // embedded store directory; in-memory when both are empty
	AutoMigrate bool

	// Chains
	ChainsFile    string
	RPCTimeout    time.Duration
	RPCMaxRetries int

	// Risk evaluation
	RiskBlockWindow      uint64
	RiskFetchConcurrency int

	// Tracking
	TrackingEnabled bool
	ScanInterval    time.Duration
	ScanConcurrency int
	ScanTimeout     time.Duration
	ScanBacklog     uint64
	ScanMaxBlocks   uint64
	RedeliverAlerts bool

	// Notification sinks
	TelegramBotToken string
	NATSURL          string
	NATSSubject      string
	WebhookURL       string
	WebhookSecret    string
	StreamEnabled    bool

	// Observability and limits
	OTLPEndpoint       string
	TraceSampleRatio   float64
	RateLimitRPM       int
	CORSAllowedOrigins []string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultRPCTimeout      = 15 * time.Second
	DefaultRPCMaxRetries   = 3
	DefaultRiskBlockWindow = 150
	DefaultRiskConcurrency = 8
	DefaultScanInterval    = 5 * time.Minute
	DefaultScanConcurrency = 4
	DefaultScanTimeout     = 2 * time.Minute
	DefaultScanBacklog     = 150
	DefaultScanMaxBlocks   = 1000
	DefaultNATSSubject     = "amlbot.alerts"
	DefaultRateLimitRPM    = 30
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		BadgerPath:           os.Getenv("BADGER_PATH"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		ChainsFile:           os.Getenv("CHAINS_FILE"),
		RPCTimeout:           getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		RPCMaxRetries:        int(getEnvInt64("RPC_MAX_RETRIES", DefaultRPCMaxRetries)),
		RiskBlockWindow:      uint64(getEnvInt64("RISK_BLOCK_WINDOW", DefaultRiskBlockWindow)), //nolint:gosec // validated below
		RiskFetchConcurrency: int(getEnvInt64("RISK_FETCH_CONCURRENCY", DefaultRiskConcurrency)),
		TrackingEnabled:      getEnvBool("TRACKING_ENABLED", true),
		ScanInterval:         getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		ScanConcurrency:      int(getEnvInt64("SCAN_CONCURRENCY", DefaultScanConcurrency)),
		ScanTimeout:          getEnvDuration("SCAN_TIMEOUT", DefaultScanTimeout),
		ScanBacklog:          uint64(getEnvInt64("SCAN_BACKLOG", DefaultScanBacklog)),      //nolint:gosec // validated below
		ScanMaxBlocks:        uint64(getEnvInt64("SCAN_MAX_BLOCKS", DefaultScanMaxBlocks)), //nolint:gosec // validated below
		RedeliverAlerts:      getEnvBool("REDELIVER_ALERTS", false),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		NATSURL:              os.Getenv("NATS_URL"),
		NATSSubject:          getEnv("NATS_SUBJECT", DefaultNATSSubject),
		WebhookURL:           os.Getenv("WEBHOOK_URL"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		StreamEnabled:        getEnvBool("ALERT_STREAM_ENABLED", true),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configured values are usable
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC_TIMEOUT must be positive")
	}
	if c.RPCMaxRetries <= 0 {
		return fmt.Errorf("RPC_MAX_RETRIES must be positive")
	}
	if c.RiskBlockWindow == 0 || c.RiskBlockWindow > 10_000 {
		return fmt.Errorf("RISK_BLOCK_WINDOW must be between 1 and 10000")
	}
	if c.RiskFetchConcurrency <= 0 {
		return fmt.Errorf("RISK_FETCH_CONCURRENCY must be positive")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive")
	}
	if c.ScanConcurrency <= 0 {
		return fmt.Errorf("SCAN_CONCURRENCY must be positive")
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("SCAN_TIMEOUT must be positive")
	}
	if c.ScanMaxBlocks == 0 {
		return fmt.Errorf("SCAN_MAX_BLOCKS must be positive")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("NATS_SUBJECT is required when NATS_URL is set")
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URL must be an http(s) URL")
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
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

func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
