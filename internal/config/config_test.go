package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

const (
	ownerHex    = "0x00000000000000000000000000000000000000F0"
	treasuryHex = "0x00000000000000000000000000000000000000C1"
	relayerHex  = "0x00000000000000000000000000000000000000B9"
	keyHex      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func setRequired(t *testing.T) {
	setEnv(t, "OWNER_ADDRESS", ownerHex)
	setEnv(t, "TREASURY_ADDRESS", treasuryHex)
	setEnv(t, "RELAYER_ADDRESS", relayerHex)
	setEnv(t, "RPC_URL", "")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, uint64(DefaultTaxRateBPS), cfg.TaxRateBPS)
	assert.Equal(t, DefaultBillingPeriod, cfg.BillingPeriod)
	assert.Equal(t, DefaultCallMaxSkew, cfg.CallMaxSkew)
	assert.Zero(t, cfg.RenewalInterval)
	assert.Equal(t, ownerHex, cfg.Owner().Hex())
	assert.Equal(t, treasuryHex, cfg.Treasury().Hex())
	assert.Equal(t, relayerHex, cfg.Relayer().Hex())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	setEnv(t, "TAX_RATE_BPS", "250")
	setEnv(t, "BILLING_PERIOD", "24h")
	setEnv(t, "RENEWAL_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(250), cfg.TaxRateBPS)
	assert.Equal(t, 24*time.Hour, cfg.BillingPeriod)
	assert.Equal(t, 30*time.Second, cfg.RenewalInterval)
}

func TestLoad_MissingOwner(t *testing.T) {
	setRequired(t)
	setEnv(t, "OWNER_ADDRESS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OWNER_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			OwnerAddress:    ownerHex,
			TreasuryAddress: treasuryHex,
			RelayerAddress:  relayerHex,
			TaxRateBPS:      150,
			BillingPeriod:   time.Hour,
			CallMaxSkew:     time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid in-memory", func(*Config) {}, ""},
		{"valid chain", func(c *Config) { c.RPCURL = "https://sepolia.base.org"; c.PlatformKey = "0x" + keyHex }, ""},
		{"bad treasury", func(c *Config) { c.TreasuryAddress = "nope" }, "TREASURY_ADDRESS is not a valid address"},
		{"chain without key", func(c *Config) { c.RPCURL = "https://sepolia.base.org" }, "PLATFORM_KEY is required"},
		{"short key", func(c *Config) { c.RPCURL = "https://sepolia.base.org"; c.PlatformKey = "abc123" }, "64 hex characters"},
		{"tax too high", func(c *Config) { c.TaxRateBPS = 10001 }, "TAX_RATE_BPS"},
		{"period too short", func(c *Config) { c.BillingPeriod = time.Millisecond }, "BILLING_PERIOD"},
		{"negative interval", func(c *Config) { c.RenewalInterval = -time.Second }, "RENEWAL_INTERVAL"},
		{"unsigned webhooks in dev", func(c *Config) { c.WebhookURLs = "https://hooks.example/x" }, ""},
		{"unsigned webhooks in production", func(c *Config) {
			c.Env = "production"
			c.WebhookURLs = "https://hooks.example/x"
		}, "WEBHOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DUR", "90s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_INVALID", time.Hour))
}
