package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:             DefaultPort,
		MetricsPort:      DefaultMetricsPort,
		LogLevel:         DefaultLogLevel,
		PlaybookPath:     DefaultPlaybookPath,
		TokenSecret:      "secret",
		RecoveryInterval: DefaultRecoveryInterval,
		StepTimeout:      DefaultStepTimeout,
		StepMaxAttempts:  DefaultStepMaxAttempts,
		StepRetryBackoff: DefaultStepRetryBackoff,

		HubQueueSize:           DefaultHubQueueSize,
		HubMaxSubscriptions:    DefaultHubMaxSubscriptions,
		HubMaxConnsPerIdentity: DefaultHubMaxConnsPerIdentity,
		HubMessageRateLimit:    DefaultHubMessageRateLimit,
		HubIdleTimeout:         DefaultHubIdleTimeout,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultPlaybookPath, cfg.PlaybookPath)
	assert.Equal(t, DefaultRecoveryInterval, cfg.RecoveryInterval)
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout)
	assert.Equal(t, DefaultHubQueueSize, cfg.HubQueueSize)
	assert.Empty(t, cfg.PostgresDSN)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "secret")
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STEP_TIMEOUT", "90s")
	t.Setenv("HUB_QUEUE_SIZE", "512")
	t.Setenv("POSTGRES_DSN", "postgres://orchestrator@localhost/orchestrator")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.StepTimeout)
	assert.Equal(t, 512, cfg.HubQueueSize)
	assert.Equal(t, "postgres://orchestrator@localhost/orchestrator", cfg.PostgresDSN)
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_secret")
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "secret")
	t.Setenv("PORT", "not-a-number")
	t.Setenv("STEP_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultStepTimeout, cfg.StepTimeout)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 0
	cfg.LogLevel = "loud"
	cfg.TokenSecret = ""
	cfg.StepMaxAttempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
	assert.Contains(t, err.Error(), "invalid log_level")
	assert.Contains(t, err.Error(), "token_secret")
	assert.Contains(t, err.Error(), "step_max_attempts")
}

func TestValidate_Table(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"same ports", func(c *Config) { c.MetricsPort = c.Port }, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, true},
		{"empty playbook path", func(c *Config) { c.PlaybookPath = "" }, true},
		{"recovery interval too short", func(c *Config) { c.RecoveryInterval = 100 * time.Millisecond }, true},
		{"step timeout too short", func(c *Config) { c.StepTimeout = 500 * time.Millisecond }, true},
		{"negative retry backoff", func(c *Config) { c.StepRetryBackoff = -time.Second }, true},
		{"zero retry backoff allowed", func(c *Config) { c.StepRetryBackoff = 0 }, false},
		{"zero hub queue", func(c *Config) { c.HubQueueSize = 0 }, true},
		{"hub idle timeout too short", func(c *Config) { c.HubIdleTimeout = time.Second }, true},
		{"uppercase log level accepted", func(c *Config) { c.LogLevel = "DEBUG" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
