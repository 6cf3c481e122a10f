package config

import (
	"fmt"
	"time"
)

// JWTConfig holds configuration for operator token generation and validation.
type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// JWT builds the token configuration from the server section.
// It returns an error when no secret is configured.
func (c *Config) JWT() (*JWTConfig, error) {
	cfg := &JWTConfig{
		Secret:     c.Server.JWTSecret,
		Expiration: c.Server.TokenTTL,
	}
	if cfg.Expiration == 0 {
		cfg.Expiration = 24 * time.Hour
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("jwt secret is required but not set")
	}
	if len(c.Secret) < 16 {
		return fmt.Errorf("jwt secret must be at least 16 characters, got: %d", len(c.Secret))
	}
	if c.Expiration < time.Minute {
		return fmt.Errorf("token expiration must be at least 1 minute, got: %s", c.Expiration)
	}
	return nil
}
