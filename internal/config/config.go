// Package config provides configuration loading and validation for the engine, the CLI and the server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the static configuration object handed to the engine at construction.
// It can be loaded from a YAML file; missing values keep their defaults.
type Config struct {
	Source      SourceConfig     `yaml:"source"`
	Credentials []Credential     `yaml:"credentials" validate:"min=1,dive"`
	Session     SessionConfig    `yaml:"session"`
	Limits      LimitsConfig     `yaml:"limits"`
	Retry       RetryConfig      `yaml:"retry"`
	Discovery   DiscoveryConfig  `yaml:"discovery"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Database    DatabaseConfig   `yaml:"database"`
	Server      ServerConfig     `yaml:"server"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// SourceConfig locates the remote catalog and its API.
type SourceConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	LoginURL       string        `yaml:"login_url" validate:"required,url"`
	StatusURL      string        `yaml:"status_url" validate:"required,url"`
	SearchURL      string        `yaml:"search_url" validate:"omitempty,url"`
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
}

// Credential is one account on the remote source.
type Credential struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	ClientID string `yaml:"client_id" validate:"required"`
}

// SessionConfig controls session lifetime and login retries.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	ExpirySkew    time.Duration `yaml:"expiry_skew" validate:"gte=0"`
	LoginAttempts int           `yaml:"login_attempts" validate:"gte=1"`
	LoginBackoff  time.Duration `yaml:"login_backoff" validate:"gte=0"`
}

// LimitsConfig bounds the pressure put on the remote source.
type LimitsConfig struct {
	MaxConcurrency int     `yaml:"max_concurrency" validate:"gte=1"`
	RatePerSecond  float64 `yaml:"rate_per_second" validate:"gte=0"` // 0 disables spacing
	Burst          int     `yaml:"burst" validate:"gte=1"`
}

// RetryConfig is the per-request retry budget for retryable failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
	Multiplier      float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter          float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DiscoveryConfig holds discovery defaults.
type DiscoveryConfig struct {
	StartPage         int  `yaml:"start_page" validate:"gte=1,lte=100000"`
	EndPage           int  `yaml:"end_page" validate:"gtefield=StartPage,lte=100000"`
	Workers           int  `yaml:"workers" validate:"gte=1"`
	FetchDescriptions bool `yaml:"fetch_descriptions"`
	UseBrowser        bool `yaml:"use_browser"`
	AutoSync          bool `yaml:"auto_sync"`
}

// MonitoringConfig holds monitoring defaults.
type MonitoringConfig struct {
	Workers          int           `yaml:"workers" validate:"gte=1"`
	Limit            int           `yaml:"limit" validate:"gte=0"`
	Keywords         []string      `yaml:"keywords"`
	StockFallback    bool          `yaml:"stock_fallback"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" validate:"gte=0"` // 0 disables the scheduler
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=postgres sqlite memory"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

// ServerConfig holds HTTP control surface settings.
type ServerConfig struct {
	Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
	JWTSecret      string        `yaml:"jwt_secret"` // empty disables bearer auth
	TokenTTL       time.Duration `yaml:"token_ttl" validate:"gte=0"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RateLimit      int           `yaml:"rate_limit" validate:"gte=0"` // requests per window per client, 0 = unlimited
	RateWindow     time.Duration `yaml:"rate_window" validate:"gte=0"`
	RunRateLimit   int           `yaml:"run_rate_limit" validate:"gte=0"`
	ShutdownPeriod time.Duration `yaml:"shutdown_period" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns a Config with sensible defaults.
// Credentials are intentionally empty and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:        "https://shop.example.invalid/shop/",
			LoginURL:       "https://dash.example.invalid/login",
			StatusURL:      "https://dash.example.invalid/client_dash/get_product",
			SearchURL:      "https://dash.example.invalid/client_dash/filter_product",
			UserAgent:      "Mozilla/5.0 (compatible; PharmaWatch/1.0)",
			RequestTimeout: 25 * time.Second,
		},
		Session: SessionConfig{
			TTL:           2 * time.Hour,
			ExpirySkew:    30 * time.Second,
			LoginAttempts: 3,
			LoginBackoff:  2 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConcurrency: 8,
			RatePerSecond:  5,
			Burst:          5,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
		},
		Discovery: DiscoveryConfig{
			StartPage:         1,
			EndPage:           100,
			Workers:           4,
			FetchDescriptions: true,
			AutoSync:          true,
		},
		Monitoring: MonitoringConfig{
			Workers:       5,
			StockFallback: true,
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      "data/pharmawatch.db",
			MaxConns: 10,
		},
		Server: ServerConfig{
			Port:           8080,
			TokenTTL:       24 * time.Hour,
			CORSOrigins:    []string{"*"},
			RateLimit:      600,
			RateWindow:     time.Minute,
			RunRateLimit:   30,
			ShutdownPeriod: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if path is not empty)
// 3. Environment variables
// Command-line flags are applied by the caller.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("config error: 'database.dsn' is required for driver %q", c.Database.Driver)
	}
	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("config error: 'retry.max_interval' must be >= 'retry.initial_interval'")
	}
	if c.Monitoring.StockFallback && c.Source.SearchURL == "" {
		return fmt.Errorf("config error: 'source.search_url' is required when 'monitoring.stock_fallback' is enabled")
	}

	return nil
}

// PrimaryCredential returns the credential used for logins.
func (c *Config) PrimaryCredential() Credential {
	if len(c.Credentials) == 0 {
		return Credential{}
	}
	return c.Credentials[0]
}
