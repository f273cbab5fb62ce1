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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fees and windows. Fees are expressed in basis points so they can be
	// varied per environment without code change.
	EscrowFeeBPS      int           // fee charged on escrow creation (default 250 = 2.5%)
	WithdrawFeeBPS    int           // fee charged on withdrawals (default 100 = 1%)
	EscrowWindow      time.Duration // time before a funded escrow auto-releases
	OfferTTL          time.Duration // time before a pending offer expires
	MaxCounterOffers  int           // counter-offers allowed per negotiation chain
	MaxOfferAmount    int64         // upper bound for cash offers, minor units
	SweepInterval     time.Duration // background sweep tick for escrow/offer timers
	DisputeWindowDays int           // informational estimate returned to disputing parties

	// Payment provider
	StripeSecretKey      string
	ProviderCurrency     string // ISO currency code for provider charges
	PaymentWebhookSecret string // HMAC secret for inbound provider webhooks

	// Notifications
	NotifySecret string // HMAC secret for signing outbound notification webhooks

	// Operations
	AdminSecret string // X-Admin-Secret value for operator endpoints

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultEscrowFeeBPS     = 250
	DefaultWithdrawFeeBPS   = 100
	DefaultEscrowWindow     = 7 * 24 * time.Hour
	DefaultOfferTTL         = 7 * 24 * time.Hour
	DefaultMaxCounterOffers = 5
	DefaultMaxOfferAmount   = 100_000_000 // 1,000,000.00 in minor units
	DefaultSweepInterval    = 30 * time.Second
	DefaultDisputeWindow    = 5 // days
	DefaultCurrency         = "usd"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		EscrowFeeBPS:         getEnvInt("ESCROW_FEE_BPS", DefaultEscrowFeeBPS),
		WithdrawFeeBPS:       getEnvInt("WITHDRAW_FEE_BPS", DefaultWithdrawFeeBPS),
		EscrowWindow:         getEnvDuration("ESCROW_WINDOW", DefaultEscrowWindow),
		OfferTTL:             getEnvDuration("OFFER_TTL", DefaultOfferTTL),
		MaxCounterOffers:     getEnvInt("MAX_COUNTER_OFFERS", DefaultMaxCounterOffers),
		MaxOfferAmount:       getEnvInt64("MAX_OFFER_AMOUNT", DefaultMaxOfferAmount),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DisputeWindowDays:    getEnvInt("DISPUTE_WINDOW_DAYS", DefaultDisputeWindow),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		ProviderCurrency:     getEnv("PROVIDER_CURRENCY", DefaultCurrency),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.EscrowFeeBPS < 0 || c.EscrowFeeBPS > 10000 {
		return fmt.Errorf("ESCROW_FEE_BPS must be between 0 and 10000")
	}
	if c.WithdrawFeeBPS < 0 || c.WithdrawFeeBPS > 10000 {
		return fmt.Errorf("WITHDRAW_FEE_BPS must be between 0 and 10000")
	}
	if c.EscrowWindow <= 0 {
		return fmt.Errorf("ESCROW_WINDOW must be positive")
	}
	if c.OfferTTL <= 0 {
		return fmt.Errorf("OFFER_TTL must be positive")
	}
	if c.MaxCounterOffers <= 0 {
		return fmt.Errorf("MAX_COUNTER_OFFERS must be positive")
	}
	if c.MaxOfferAmount <= 0 {
		return fmt.Errorf("MAX_OFFER_AMOUNT must be positive")
	}
	if c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
