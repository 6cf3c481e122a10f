package ratelimit

import (
	"time"

	"github.com/jonathan/pharma-watch/internal/config"
)

// EndpointConfig is the limit applied to requests matching Method and Path.
// A Path starting with "*" matches by suffix, one ending with "/" by prefix.
type EndpointConfig struct {
	Path   string
	Method string
	Limit  int           // requests per window, 0 = unlimited
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	IdleTTL         time.Duration
	EndpointConfigs []EndpointConfig
}

// FromServerConfig derives the limiter configuration from the server section.
// A zero rate limit disables limiting.
func FromServerConfig(cfg config.ServerConfig) *Config {
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Config{
		Enabled:         cfg.RateLimit > 0,
		DefaultLimit:    cfg.RateLimit,
		DefaultWindow:   window,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         time.Hour,
		EndpointConfigs: DefaultEndpointConfigs(cfg.RunRateLimit, window),
	}
}

// DefaultEndpointConfigs limits run control endpoints more strictly than reads.
func DefaultEndpointConfigs(runLimit int, window time.Duration) []EndpointConfig {
	if runLimit <= 0 {
		return nil
	}
	burst := max(runLimit/10, 1)
	return []EndpointConfig{
		{Path: "*/run", Method: "POST", Limit: runLimit, Window: window, Burst: burst},
		{Path: "*/stop", Method: "POST", Limit: runLimit, Window: window, Burst: burst},
		{Path: "*/cancel", Method: "POST", Limit: runLimit, Window: window, Burst: burst},
	}
}
