// Package config loads application configuration. Deployment settings come
// from environment variables (optionally a .env file); sync target
// definitions live in a YAML file so credentials stay out of the process
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/daysync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
	ErrValidationFailed  = errors.New("configuration validation failed")
	ErrNoTargets         = errors.New("no sync targets enabled")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	OIDC         OIDCConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Notify       NotifyConfig
	Targets      TargetsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// OIDCConfig holds OIDC authentication configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SessionSecret string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds sync cadence configuration.
type SyncConfig struct {
	Interval time.Duration
}

// NotifyConfig holds notification delivery configuration.
type NotifyConfig struct {
	WebhookEnabled bool
	WebhookURL     string
	EmailEnabled   bool
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTo         []string
	SMTPTLS        bool
	Cooldown       time.Duration
}

// TargetsConfig declares the sync targets, loaded from the targets YAML file.
type TargetsConfig struct {
	RemoteBackend RemoteBackendTarget `yaml:"remote_backend"`
	CalDAV        CalDAVTarget        `yaml:"caldav"`
}

// RemoteBackendTarget configures the JSON change-feed backend.
type RemoteBackendTarget struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// CalDAVTarget configures the external calendar.
type CalDAVTarget struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	CalendarPath string `yaml:"calendar_path"`
	AllowPrivate bool   `yaml:"allow_private"` // Permit servers on the local network
}

// Load loads configuration from environment variables and the targets file.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = os.Getenv("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// OIDC configuration
	cfg.OIDC.Issuer = os.Getenv("OIDC_ISSUER")
	cfg.OIDC.ClientID = os.Getenv("OIDC_CLIENT_ID")
	cfg.OIDC.ClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
	cfg.OIDC.RedirectURL = os.Getenv("OIDC_REDIRECT_URL")

	// Security configuration
	cfg.Security.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return nil, ErrSessionSecretSize
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/daysync.db")

	// Rate limiting configuration
	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	// Sync configuration
	interval, err := getEnvInt("SYNC_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_SECONDS: %w", ErrInvalidConfig, err)
	}
	if interval < 30 {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_SECONDS: minimum is 30", ErrInvalidConfig)
	}
	cfg.Sync.Interval = time.Duration(interval) * time.Second

	// Notification configuration
	cfg.Notify.WebhookEnabled = getEnvBool("NOTIFY_WEBHOOK_ENABLED", false)
	cfg.Notify.WebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	cfg.Notify.EmailEnabled = getEnvBool("NOTIFY_EMAIL_ENABLED", false)
	cfg.Notify.SMTPHost = os.Getenv("SMTP_HOST")
	smtpPort, err := getEnvInt("SMTP_PORT", 587)
	if err != nil {
		return nil, fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Notify.SMTPPort = smtpPort
	cfg.Notify.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.Notify.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.Notify.SMTPFrom = os.Getenv("SMTP_FROM")
	if to := os.Getenv("SMTP_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Notify.SMTPTo = append(cfg.Notify.SMTPTo, addr)
			}
		}
	}
	cfg.Notify.SMTPTLS = getEnvBool("SMTP_TLS", false)
	cooldown, err := getEnvInt("NOTIFY_COOLDOWN_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: NOTIFY_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Notify.Cooldown = time.Duration(cooldown) * time.Minute

	// Sync targets
	targetsPath := getEnv("TARGETS_FILE", "./targets.yaml")
	targets, err := LoadTargets(targetsPath)
	if err != nil {
		return nil, err
	}
	cfg.Targets = *targets

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// LoadTargets reads the sync target definitions from a YAML file. A missing
// file yields an empty (all-disabled) target set.
func LoadTargets(path string) (*TargetsConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &TargetsConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var targets TargetsConfig
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}

	if targets.RemoteBackend.Enabled && targets.RemoteBackend.BaseURL == "" {
		return nil, fmt.Errorf("%w: remote_backend.base_url is required", ErrInvalidConfig)
	}
	if targets.CalDAV.Enabled {
		if targets.CalDAV.URL == "" {
			return nil, fmt.Errorf("%w: caldav.url is required", ErrInvalidConfig)
		}
		if targets.CalDAV.CalendarPath == "" {
			return nil, fmt.Errorf("%w: caldav.calendar_path is required", ErrInvalidConfig)
		}
	}

	return &targets, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.OIDC.Issuer == "" {
		missing = append(missing, "OIDC_ISSUER")
	}
	if c.OIDC.ClientID == "" {
		missing = append(missing, "OIDC_CLIENT_ID")
	}
	if c.OIDC.ClientSecret == "" {
		missing = append(missing, "OIDC_CLIENT_SECRET")
	}
	if c.OIDC.RedirectURL == "" {
		missing = append(missing, "OIDC_REDIRECT_URL")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	return missing
}

// Validate validates external endpoints are well-formed and reachable.
func (c *Config) Validate(ctx context.Context) error {
	v := validator.New()

	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateOIDCIssuer(ctx, c.OIDC.Issuer); err != nil {
		return fmt.Errorf("%w: OIDC_ISSUER: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateURL(c.OIDC.RedirectURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: OIDC_REDIRECT_URL: %w", ErrValidationFailed, err)
	}

	if c.Targets.RemoteBackend.Enabled {
		if err := v.ValidateURL(c.Targets.RemoteBackend.BaseURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: remote_backend.base_url: %w", ErrValidationFailed, err)
		}
	}
	if c.Targets.CalDAV.Enabled {
		dav := v
		if c.Targets.CalDAV.AllowPrivate {
			dav = validator.New(validator.WithAllowPrivateIPs())
		}
		if err := dav.ValidateURL(c.Targets.CalDAV.URL, c.IsProduction() && !c.Targets.CalDAV.AllowPrivate); err != nil {
			return fmt.Errorf("%w: caldav.url: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// HasTargets reports whether at least one sync target is enabled.
func (c *Config) HasTargets() bool {
	return c.Targets.RemoteBackend.Enabled || c.Targets.CalDAV.Enabled
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "1" || value == "true" || value == "yes"
}
