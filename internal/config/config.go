// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// CORS
	AllowedOrigins []string // empty allows any origin without credentials

	// Storage
	DatabaseURL   string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL      string // Double-submit guard (optional, in-memory if not set)
	MongoURL      string // Chat conversation directory (optional)
	MongoDatabase string

	// Fan-out
	KafkaBrokers []string
	KafkaTopic   string

	// Identity
	JWTSecret string

	// Payment gateway
	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
	Currency             string

	// Platform settings snapshot defaults
	PlatformFeePercent string // fraction, e.g. "0.10"
	MinPayout          string
	VerificationFee    string

	// Notification service
	NotifyURL    string
	NotifySecret string

	// Observability & limits
	OTLPEndpoint  string
	RateLimitRPS  int
	SweepInterval time.Duration
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMongoDatabase      = "chat"
	DefaultKafkaTopic         = "dealroom.events"
	DefaultGatewayBaseURL     = "https://api.razorpay.com"
	DefaultCurrency           = "INR"
	DefaultPlatformFeePercent = "0.10"
	DefaultMinPayout          = "100.00"
	DefaultVerificationFee    = "499.00"
	DefaultRateLimit          = 20
	DefaultSweepInterval      = 2 * time.Minute
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
		AllowedOrigins:       splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		MongoURL:             os.Getenv("MONGO_URL"),
		MongoDatabase:        getEnv("MONGO_DATABASE", DefaultMongoDatabase),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewayKeyID:         os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		PlatformFeePercent:   getEnv("PLATFORM_FEE_PERCENT", DefaultPlatformFeePercent),
		MinPayout:            getEnv("MIN_PAYOUT", DefaultMinPayout),
		VerificationFee:      getEnv("VERIFICATION_FEE", DefaultVerificationFee),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET is required and must be at least 16 characters")
	}

	fee, err := decimal.NewFromString(c.PlatformFeePercent)
	if err != nil {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be a decimal fraction: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 1)")
	}

	minPayout, err := decimal.NewFromString(c.MinPayout)
	if err != nil || !minPayout.IsPositive() {
		return fmt.Errorf("MIN_PAYOUT must be a positive amount")
	}

	verificationFee, err := decimal.NewFromString(c.VerificationFee)
	if err != nil || !verificationFee.IsPositive() {
		return fmt.Errorf("VERIFICATION_FEE must be a positive amount")
	}

	if c.GatewayEnabled() && c.GatewayWebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required when gateway credentials are set")
	}
	if c.IsProduction() && !c.GatewayEnabled() {
		return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required in production")
	}

	return nil
}

// GatewayEnabled reports whether live gateway credentials are configured.
// Without them the server runs against the sandbox gateway.
func (c *Config) GatewayEnabled() bool {
	return c.GatewayKeyID != "" && c.GatewayKeySecret != ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
