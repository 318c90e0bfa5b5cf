// Package config provides configuration management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port        int    `json:"port"`
	MetricsPort int    `json:"metrics_port"`
	LogLevel    string `json:"log_level"`

	// State store. Empty DSN selects the in-memory store (single node,
	// development only).
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	SchemaPath  string `json:"schema_path,omitempty"`

	// Playbook file with the step plans per incident type
	PlaybookPath string `json:"playbook_path"`

	// Observer stream auth
	TokenSecret string `json:"-"`

	// Workflow policy
	RecoveryInterval time.Duration `json:"recovery_interval"`
	StepTimeout      time.Duration `json:"step_timeout"`
	StepMaxAttempts  int           `json:"step_max_attempts"`
	StepRetryBackoff time.Duration `json:"step_retry_backoff"`

	// Hub limits
	HubQueueSize           int           `json:"hub_queue_size"`
	HubMaxSubscriptions    int           `json:"hub_max_subscriptions"`
	HubMaxConnsPerIdentity int           `json:"hub_max_conns_per_identity"`
	HubMessageRateLimit    int           `json:"hub_message_rate_limit"`
	HubIdleTimeout         time.Duration `json:"hub_idle_timeout"`
}

// Default configuration values
const (
	DefaultPort             = 8080
	DefaultMetricsPort      = 9090
	DefaultLogLevel         = "info"
	DefaultPlaybookPath     = "playbooks.yaml"
	DefaultSchemaPath       = "internal/store/schema.sql"
	DefaultRecoveryInterval = time.Minute
	DefaultStepTimeout      = 5 * time.Minute
	DefaultStepMaxAttempts  = 3
	DefaultStepRetryBackoff = 30 * time.Second

	DefaultHubQueueSize           = 256
	DefaultHubMaxSubscriptions    = 50
	DefaultHubMaxConnsPerIdentity = 5
	DefaultHubMessageRateLimit    = 100
	DefaultHubIdleTimeout         = 90 * time.Second
)

// Valid log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"fatal": true,
	"panic": true,
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnvAsInt("PORT", DefaultPort),
		MetricsPort:      getEnvAsInt("METRICS_PORT", DefaultMetricsPort),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		PostgresDSN:      getEnv("POSTGRES_DSN", ""),
		SchemaPath:       getEnv("SCHEMA_PATH", DefaultSchemaPath),
		PlaybookPath:     getEnv("PLAYBOOK_PATH", DefaultPlaybookPath),
		TokenSecret:      getEnv("TOKEN_SECRET", ""),
		RecoveryInterval: getEnvAsDuration("RECOVERY_INTERVAL", DefaultRecoveryInterval),
		StepTimeout:      getEnvAsDuration("STEP_TIMEOUT", DefaultStepTimeout),
		StepMaxAttempts:  getEnvAsInt("STEP_MAX_ATTEMPTS", DefaultStepMaxAttempts),
		StepRetryBackoff: getEnvAsDuration("STEP_RETRY_BACKOFF", DefaultStepRetryBackoff),

		HubQueueSize:           getEnvAsInt("HUB_QUEUE_SIZE", DefaultHubQueueSize),
		HubMaxSubscriptions:    getEnvAsInt("HUB_MAX_SUBSCRIPTIONS", DefaultHubMaxSubscriptions),
		HubMaxConnsPerIdentity: getEnvAsInt("HUB_MAX_CONNS_PER_IDENTITY", DefaultHubMaxConnsPerIdentity),
		HubMessageRateLimit:    getEnvAsInt("HUB_MESSAGE_RATE_LIMIT", DefaultHubMessageRateLimit),
		HubIdleTimeout:         getEnvAsDuration("HUB_IDLE_TIMEOUT", DefaultHubIdleTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration, collecting every problem
func (c *Config) Validate() error {
	var errors []string

	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port: %d (must be 1-65535)", c.Port))
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		errors = append(errors, fmt.Sprintf("invalid metrics_port: %d (must be 1-65535)", c.MetricsPort))
	}
	if c.Port == c.MetricsPort {
		errors = append(errors, "port and metrics_port cannot be the same")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errors = append(errors, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, error, fatal, or panic)", c.LogLevel))
	}

	if c.PlaybookPath == "" {
		errors = append(errors, "playbook_path cannot be empty")
	}
	if c.TokenSecret == "" {
		errors = append(errors, "token_secret cannot be empty")
	}

	if c.RecoveryInterval < time.Second {
		errors = append(errors, fmt.Sprintf("recovery_interval too short: %s (must be >= 1s)", c.RecoveryInterval))
	}
	if c.StepTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("step_timeout too short: %s (must be >= 1s)", c.StepTimeout))
	}
	if c.StepMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("step_max_attempts must be positive: %d", c.StepMaxAttempts))
	}
	if c.StepRetryBackoff < 0 {
		errors = append(errors, fmt.Sprintf("step_retry_backoff cannot be negative: %s", c.StepRetryBackoff))
	}

	if c.HubQueueSize < 1 {
		errors = append(errors, fmt.Sprintf("hub_queue_size must be positive: %d", c.HubQueueSize))
	}
	if c.HubMaxSubscriptions < 1 {
		errors = append(errors, fmt.Sprintf("hub_max_subscriptions must be positive: %d", c.HubMaxSubscriptions))
	}
	if c.HubMaxConnsPerIdentity < 1 {
		errors = append(errors, fmt.Sprintf("hub_max_conns_per_identity must be positive: %d", c.HubMaxConnsPerIdentity))
	}
	if c.HubMessageRateLimit < 1 {
		errors = append(errors, fmt.Sprintf("hub_message_rate_limit must be positive: %d", c.HubMessageRateLimit))
	}
	if c.HubIdleTimeout < 5*time.Second {
		errors = append(errors, fmt.Sprintf("hub_idle_timeout too short: %s (must be >= 5s)", c.HubIdleTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}
