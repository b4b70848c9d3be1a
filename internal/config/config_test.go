package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

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

func validConfig() Config {
	return Config{
		Env:                DefaultEnv,
		JWTSecret:          testSecret,
		PlatformFeePercent: DefaultPlatformFeePercent,
		MinPayout:          DefaultMinPayout,
		VerificationFee:    DefaultVerificationFee,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "JWT_SECRET", testSecret)
	setEnv(t, "PORT", "9090")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092,")
	setEnv(t, "SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultPlatformFeePercent, cfg.PlatformFeePercent)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.False(t, cfg.GatewayEnabled())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.JWTSecret = "short" },
			wantErr: "JWT_SECRET",
		},
		{
			name:    "fee not a number",
			mutate:  func(c *Config) { c.PlatformFeePercent = "ten" },
			wantErr: "PLATFORM_FEE_PERCENT must be a decimal",
		},
		{
			name:    "fee of one hundred percent",
			mutate:  func(c *Config) { c.PlatformFeePercent = "1" },
			wantErr: "[0, 1)",
		},
		{
			name:    "zero minimum payout",
			mutate:  func(c *Config) { c.MinPayout = "0" },
			wantErr: "MIN_PAYOUT",
		},
		{
			name:    "zero verification fee",
			mutate:  func(c *Config) { c.VerificationFee = "0.00" },
			wantErr: "VERIFICATION_FEE",
		},
		{
			name: "gateway without webhook secret",
			mutate: func(c *Config) {
				c.GatewayKeyID = "rzp_test"
				c.GatewayKeySecret = "secret"
			},
			wantErr: "GATEWAY_WEBHOOK_SECRET",
		},
		{
			name:    "production without gateway",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "required in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
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

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "-5s")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR", time.Minute))
}
