// Package config loads and validates taokey.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/logging"
)

// Config holds the runtime configuration.
type Config struct {
	Path           string
	Logger         *logging.Logger
	NonInteractive bool
	Definition     *Definition
}

// Definition represents the taokey.yaml structure.
type Definition struct {
	Version       int                 `yaml:"version"`
	Storage       StorageConfig       `yaml:"storage"`
	Snowflake     SnowflakeConfig     `yaml:"snowflake"`
	Rotation      RotationConfig      `yaml:"rotation"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// StorageConfig selects and parameterizes the credential record backend.
type StorageConfig struct {
	// Backend is one of "memory", "file" or "postgres".
	Backend string `yaml:"backend"`

	// Dir overrides the default file backend directory.
	Dir string `yaml:"dir,omitempty"`

	// DSN is the postgres connection string. Supports ${ENV_VAR} expansion.
	DSN string `yaml:"dsn,omitempty"`
}

// SnowflakeConfig parameterizes the propagation target.
type SnowflakeConfig struct {
	// Mock selects the in-memory fake instead of a live connection.
	Mock bool `yaml:"mock,omitempty"`

	Account   string `yaml:"account,omitempty"`
	User      string `yaml:"user,omitempty"`
	Warehouse string `yaml:"warehouse,omitempty"`
	Role      string `yaml:"role,omitempty"`

	// Auth selects where the administrator password comes from:
	// "env" reads SNOWFLAKE_PASSWORD, "keyring" asks the OS keychain.
	Auth string `yaml:"auth,omitempty"`
}

// RotationConfig sets issuance and rotation defaults.
type RotationConfig struct {
	KeySize    int `yaml:"key_size,omitempty"`
	ExpiryDays int `yaml:"expiry_days,omitempty"`
	GraceHours int `yaml:"grace_hours,omitempty"`

	Retry RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig bounds propagation attempts.
type RetryConfig struct {
	MaxAttempts   int    `yaml:"max_attempts,omitempty"`
	Backoff       string `yaml:"backoff,omitempty"` // linear, exponential, fixed
	InitialWaitMs int    `yaml:"initial_wait_ms,omitempty"`
}

// ScannerConfig sets the expiry sweep thresholds.
type ScannerConfig struct {
	WarnDays      int `yaml:"warn_days,omitempty"`
	UrgentDays    int `yaml:"urgent_days,omitempty"`
	CooldownHours int `yaml:"cooldown_hours,omitempty"`
}

// NotificationsConfig wires the notification providers.
type NotificationsConfig struct {
	QueueSize int             `yaml:"queue_size,omitempty"`
	Email     *EmailConfig    `yaml:"email,omitempty"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// EmailConfig configures the SMTP provider.
type EmailConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Username    string   `yaml:"username,omitempty"`
	Password    string   `yaml:"password,omitempty"` // supports ${ENV_VAR}
	From        string   `yaml:"from"`
	To          []string `yaml:"to,omitempty"`
	OwnerDomain string   `yaml:"owner_domain,omitempty"`
	Events      []string `yaml:"events,omitempty"`
}

// WebhookConfig configures one webhook provider.
type WebhookConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Events    []string          `yaml:"events,omitempty"`
	TimeoutMs int               `yaml:"timeout_ms,omitempty"`
	Retry     RetryConfig       `yaml:"retry,omitempty"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Load reads and parses the taokey.yaml file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return taoerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a taokey.yaml or pass --config with an explicit path",
			}
		}
		return taoerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return taoerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return taoerrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your taokey.yaml file",
		}
	}

	// Environment references resolve at load so secrets never sit in the
	// file itself.
	def.Storage.DSN = os.ExpandEnv(def.Storage.DSN)
	if def.Notifications.Email != nil {
		def.Notifications.Email.Password = os.ExpandEnv(def.Notifications.Email.Password)
	}

	if err := validate(&def); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

// Default returns a definition usable without any file: in-memory storage
// against the mock external system.
func Default() *Definition {
	return &Definition{
		Storage:   StorageConfig{Backend: "memory"},
		Snowflake: SnowflakeConfig{Mock: true},
	}
}

func validate(def *Definition) error {
	switch def.Storage.Backend {
	case "", "memory", "file":
	case "postgres":
		if def.Storage.DSN == "" {
			return taoerrors.ConfigError{
				Field:      "storage.dsn",
				Message:    "postgres backend requires a connection string",
				Suggestion: "Set storage.dsn, for example: postgres://taokey@db/taokey?sslmode=require",
			}
		}
	default:
		return taoerrors.ConfigError{
			Field:      "storage.backend",
			Value:      def.Storage.Backend,
			Message:    "unknown storage backend",
			Suggestion: "Use one of: memory, file, postgres",
		}
	}

	if !def.Snowflake.Mock {
		if def.Snowflake.Account == "" || def.Snowflake.User == "" {
			return taoerrors.ConfigError{
				Field:      "snowflake",
				Message:    "a live Snowflake connection needs account and user",
				Suggestion: "Set snowflake.account and snowflake.user, or set snowflake.mock: true for local use",
			}
		}
		switch def.Snowflake.Auth {
		case "", "env", "keyring":
		default:
			return taoerrors.ConfigError{
				Field:      "snowflake.auth",
				Value:      def.Snowflake.Auth,
				Message:    "unknown auth source",
				Suggestion: "Use 'env' (SNOWFLAKE_PASSWORD) or 'keyring'",
			}
		}
	}

	if ks := def.Rotation.KeySize; ks != 0 && ks != 2048 && ks != 4096 {
		return taoerrors.ConfigError{
			Field:      "rotation.key_size",
			Value:      ks,
			Message:    "unsupported RSA key size",
			Suggestion: "Use 2048 or 4096",
		}
	}

	switch def.Rotation.Retry.Backoff {
	case "", "linear", "exponential", "fixed":
	default:
		return taoerrors.ConfigError{
			Field:      "rotation.retry.backoff",
			Value:      def.Rotation.Retry.Backoff,
			Message:    "unknown backoff strategy",
			Suggestion: "Use one of: linear, exponential, fixed",
		}
	}

	if s := def.Scanner; s.WarnDays != 0 && s.UrgentDays != 0 && s.UrgentDays > s.WarnDays {
		return taoerrors.ConfigError{
			Field:      "scanner.urgent_days",
			Value:      s.UrgentDays,
			Message:    fmt.Sprintf("urgent threshold exceeds the warning threshold (%d days)", s.WarnDays),
			Suggestion: "Keep urgent_days at or below warn_days",
		}
	}

	for i, wh := range def.Notifications.Webhooks {
		if wh.URL == "" {
			return taoerrors.ConfigError{
				Field:      fmt.Sprintf("notifications.webhooks[%d].url", i),
				Message:    "webhook has no URL",
				Suggestion: "Every webhook entry needs a url",
			}
		}
	}

	return nil
}

// CooldownDuration converts the configured cooldown to a duration.
func (s ScannerConfig) CooldownDuration() time.Duration {
	if s.CooldownHours == 0 {
		return 0
	}
	return time.Duration(s.CooldownHours) * time.Hour
}

// InitialWait converts the configured wait to a duration.
func (r RetryConfig) InitialWait() time.Duration {
	if r.InitialWaitMs == 0 {
		return 0
	}
	return time.Duration(r.InitialWaitMs) * time.Millisecond
}
