// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
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

	// Chain. Without RPCURL tokens live in an in-memory bank.
	RPCURL      string
	ChainID     int64
	PlatformKey string // Hex-encoded spender key, required with RPCURL

	// Platform bootstrap
	OwnerAddress    string
	TreasuryAddress string
	RelayerAddress  string
	TaxRateBPS      uint64
	BillingPeriod   time.Duration

	RenewalInterval time.Duration // 0 disables the renewal timer
	CallMaxSkew     time.Duration

	// Webhooks. WebhookURLs is a ';'-separated list, see webhooks.ParseEndpoints.
	WebhookURLs   string
	WebhookSecret string

	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultTaxRateBPS    = 150
	DefaultBillingPeriod = 720 * time.Hour
	DefaultCallMaxSkew   = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RPCURL:          os.Getenv("RPC_URL"),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PlatformKey:     os.Getenv("PLATFORM_KEY"),
		OwnerAddress:    os.Getenv("OWNER_ADDRESS"),
		TreasuryAddress: os.Getenv("TREASURY_ADDRESS"),
		RelayerAddress:  os.Getenv("RELAYER_ADDRESS"),
		TaxRateBPS:      uint64(getEnvInt64("TAX_RATE_BPS", DefaultTaxRateBPS)),
		BillingPeriod:   getEnvDuration("BILLING_PERIOD", DefaultBillingPeriod),
		RenewalInterval: getEnvDuration("RENEWAL_INTERVAL", 0),
		CallMaxSkew:     getEnvDuration("CALL_MAX_SKEW", DefaultCallMaxSkew),
		WebhookURLs:     os.Getenv("WEBHOOK_URLS"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"OWNER_ADDRESS":    c.OwnerAddress,
		"TREASURY_ADDRESS": c.TreasuryAddress,
		"RELAYER_ADDRESS":  c.RelayerAddress,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !common.IsHexAddress(v) {
			return fmt.Errorf("%s is not a valid address", name)
		}
	}

	if c.RPCURL != "" {
		if c.PlatformKey == "" {
			return fmt.Errorf("PLATFORM_KEY is required when RPC_URL is set")
		}
		if len(strings.TrimPrefix(c.PlatformKey, "0x")) != 64 {
			return fmt.Errorf("PLATFORM_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.TaxRateBPS > 10000 {
		return fmt.Errorf("TAX_RATE_BPS must be at most 10000")
	}
	if c.BillingPeriod < time.Second {
		return fmt.Errorf("BILLING_PERIOD must be at least 1s")
	}
	if c.RenewalInterval < 0 || c.CallMaxSkew <= 0 {
		return fmt.Errorf("RENEWAL_INTERVAL and CALL_MAX_SKEW must not be negative")
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_SECRET is required for webhooks in production")
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

// Owner returns the platform owner address.
func (c *Config) Owner() common.Address { return common.HexToAddress(c.OwnerAddress) }

// Treasury returns the tax treasury address.
func (c *Config) Treasury() common.Address { return common.HexToAddress(c.TreasuryAddress) }

// Relayer returns the renewal relayer address.
func (c *Config) Relayer() common.Address { return common.HexToAddress(c.RelayerAddress) }

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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
