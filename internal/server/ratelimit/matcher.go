package ratelimit

import (
	"strings"
)

// MatchEndpoint returns the configuration for a request, or nil when the
// default limit applies. GET /health is always unlimited.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/health" && method == "GET" {
		return &EndpointConfig{Path: path, Method: method}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method == method && config.Path == path {
			return config
		}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method != method {
			continue
		}
		switch {
		case strings.HasPrefix(config.Path, "*"):
			if strings.HasSuffix(path, config.Path[1:]) {
				return config
			}
		case strings.HasSuffix(config.Path, "/"):
			if strings.HasPrefix(path, config.Path) {
				return config
			}
		}
	}

	return nil
}
