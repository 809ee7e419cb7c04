package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the billing service
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Pricing    PricingConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the billing store implementation
type StoreConfig struct {
	Driver string // "postgres" or "memory"
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds billing engine configuration
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string

	// PricingTimeout bounds the pricing lookup of a usage call.
	PricingTimeout time.Duration
	// LockTimeout bounds how long a usage call waits for the company row lock.
	LockTimeout time.Duration
	// PaymentTimeout bounds a single charge against the payment processor.
	PaymentTimeout time.Duration
	// RechargeInFlightTTL after which an unresolved in-flight recharge is considered stale.
	RechargeInFlightTTL time.Duration
	// PastDueGrace is how long a company may stay past_due before suspension.
	PastDueGrace time.Duration
	// SweepInterval is the period of the background billing sweeper.
	SweepInterval time.Duration
}

// PricingConfig seeds the global pricing row when the store has none
type PricingConfig struct {
	MarginPercent           decimal.Decimal
	CVParsingPerKB          decimal.Decimal
	QuestionGenPerToken     decimal.Decimal
	VideoInterviewPerMinute decimal.Decimal
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	// ServiceToken authenticates internal callers via X-Service-Token.
	ServiceToken string
	// UsageRateLimitPerMinute caps usage calls per company; 0 disables the limit.
	UsageRateLimitPerMinute int
	CORSAllowedOrigins      []string
	MaxRequestBodyBytes     int64
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "billing"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "billing"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			PricingTimeout:      getEnvAsDuration("BILLING_PRICING_TIMEOUT", "2s"),
			LockTimeout:         getEnvAsDuration("BILLING_LOCK_TIMEOUT", "3s"),
			PaymentTimeout:      getEnvAsDuration("BILLING_PAYMENT_TIMEOUT", "30s"),
			RechargeInFlightTTL: getEnvAsDuration("BILLING_RECHARGE_INFLIGHT_TTL", "15m"),
			PastDueGrace:        getEnvAsDuration("BILLING_PAST_DUE_GRACE", "168h"),
			SweepInterval:       getEnvAsDuration("BILLING_SWEEP_INTERVAL", "5m"),
		},
		Pricing: PricingConfig{
			MarginPercent:           getEnvAsDecimal("PRICING_MARGIN_PERCENT", "30"),
			CVParsingPerKB:          getEnvAsDecimal("PRICING_CV_PARSING_PER_KB", "0.0002"),
			QuestionGenPerToken:     getEnvAsDecimal("PRICING_QUESTION_GEN_PER_TOKEN", "0.000002"),
			VideoInterviewPerMinute: getEnvAsDecimal("PRICING_VIDEO_INTERVIEW_PER_MINUTE", "0.05"),
		},
		Security: SecurityConfig{
			ServiceToken:            getEnv("SERVICE_TOKEN", ""),
			UsageRateLimitPerMinute: getEnvAsInt("USAGE_RATE_LIMIT_PER_MINUTE", 0),
			CORSAllowedOrigins:      getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			MaxRequestBodyBytes:     int64(getEnvAsInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver)
	}

	if c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}

	if c.Security.ServiceToken == "" {
		return fmt.Errorf("SERVICE_TOKEN is required")
	}

	if c.Security.UsageRateLimitPerMinute < 0 {
		return fmt.Errorf("USAGE_RATE_LIMIT_PER_MINUTE cannot be negative")
	}

	if c.Pricing.MarginPercent.IsNegative() {
		return fmt.Errorf("PRICING_MARGIN_PERCENT cannot be negative")
	}

	if c.Billing.PricingTimeout <= 0 || c.Billing.LockTimeout <= 0 {
		return fmt.Errorf("billing timeouts must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return value
}
