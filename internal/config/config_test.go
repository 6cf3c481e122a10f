package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Credentials = []Credential{{Username: "pharma", Password: "secret", ClientID: "42"}}
	return cfg
}

func noEnv(string) (string, bool) { return "", false }

func mapEnv(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	content := `
source:
  base_url: https://shop.test/shop/
  login_url: https://dash.test/login
  status_url: https://dash.test/client_dash/get_product
credentials:
  - name: main
    username: alice
    password: hunter2
    client_id: "1234"
limits:
  max_concurrency: 3
  rate_per_second: 1.5
retry:
  max_attempts: 5
  initial_interval: 250ms
discovery:
  end_page: 12
monitoring:
  keywords: [doliprane, vitamine]
  schedule_interval: 6h
database:
  driver: memory
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "https://shop.test/shop/", cfg.Source.BaseURL)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "alice", cfg.PrimaryCredential().Username)
	assert.Equal(t, "1234", cfg.PrimaryCredential().ClientID)
	assert.Equal(t, 3, cfg.Limits.MaxConcurrency)
	assert.InDelta(t, 1.5, cfg.Limits.RatePerSecond, 0.001)
	assert.Equal(t, 5, cfg.Limits.Burst, "unset values keep defaults")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 1, cfg.Discovery.StartPage)
	assert.Equal(t, 12, cfg.Discovery.EndPage)
	assert.Equal(t, []string{"doliprane", "vitamine"}, cfg.Monitoring.Keywords)
	assert.Equal(t, 6*time.Hour, cfg.Monitoring.ScheduleInterval)
	assert.Equal(t, "memory", cfg.Database.Driver)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("limits: [unclosed"), 0644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestDefaultConfig_RequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(noEnv))
	assert.Error(t, cfg.Validate())

	assert.NoError(t, validConfig().Validate())
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := validConfig()
	err := cfg.ApplyEnv(mapEnv(map[string]string{
		"PHARMAWATCH_USERNAME":              "bob",
		"PHARMAWATCH_MAX_CONCURRENCY":       "16",
		"PHARMAWATCH_RATE_PER_SECOND":       "0.5",
		"PHARMAWATCH_DISCOVERY_USE_BROWSER": "true",
		"PHARMAWATCH_RETRY_MAX_INTERVAL":    "30s",
		"PHARMAWATCH_LOG_LEVEL":             " debug ",
		"DATABASE_URL":                      "postgres://localhost/pharma",
	}))
	require.NoError(t, err)

	cred := cfg.PrimaryCredential()
	assert.Equal(t, "bob", cred.Username)
	assert.Equal(t, "secret", cred.Password, "unset credential fields fall back to the file")
	assert.Equal(t, "42", cred.ClientID)
	assert.Equal(t, 16, cfg.Limits.MaxConcurrency)
	assert.InDelta(t, 0.5, cfg.Limits.RatePerSecond, 0.001)
	assert.True(t, cfg.Discovery.UseBrowser)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/pharma", cfg.Database.DSN)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_CredentialsFromEnvOnly(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(mapEnv(map[string]string{
		"PHARMAWATCH_USERNAME":  "carol",
		"PHARMAWATCH_PASSWORD":  "pw",
		"PHARMAWATCH_CLIENT_ID": "7",
	}))
	require.NoError(t, err)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "env", cfg.Credentials[0].Name)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	cfg := validConfig()
	err := cfg.ApplyEnv(mapEnv(map[string]string{
		"PHARMAWATCH_MAX_CONCURRENCY": "lots",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PHARMAWATCH_MAX_CONCURRENCY")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "zero concurrency",
			mutate: func(c *Config) { c.Limits.MaxConcurrency = 0 },
			errMsg: "MaxConcurrency",
		},
		{
			name:   "end page before start page",
			mutate: func(c *Config) { c.Discovery.StartPage = 5; c.Discovery.EndPage = 2 },
			errMsg: "EndPage",
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Database.Driver = "mongo" },
			errMsg: "Driver",
		},
		{
			name:   "sqlite without dsn",
			mutate: func(c *Config) { c.Database.DSN = "" },
			errMsg: "database.dsn",
		},
		{
			name:   "max interval below initial",
			mutate: func(c *Config) { c.Retry.InitialInterval = time.Second; c.Retry.MaxInterval = time.Millisecond },
			errMsg: "retry.max_interval",
		},
		{
			name:   "fallback without search url",
			mutate: func(c *Config) { c.Source.SearchURL = "" },
			errMsg: "search_url",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "Format",
		},
		{
			name:   "credential without client id",
			mutate: func(c *Config) { c.Credentials[0].ClientID = "" },
			errMsg: "ClientID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_MemoryDriverNeedsNoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "memory"
	cfg.Database.DSN = ""
	assert.NoError(t, cfg.Validate())
}
