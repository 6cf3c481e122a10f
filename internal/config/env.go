package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "PHARMAWATCH_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides configuration values from environment variables.
// DATABASE_URL is honoured without prefix and implies the postgres driver.
// A credential given through the environment replaces the first configured one.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SOURCE_BASE_URL", &c.Source.BaseURL)
	e.str("SOURCE_LOGIN_URL", &c.Source.LoginURL)
	e.str("SOURCE_STATUS_URL", &c.Source.StatusURL)
	e.str("SOURCE_SEARCH_URL", &c.Source.SearchURL)
	e.str("SOURCE_USER_AGENT", &c.Source.UserAgent)
	e.duration("SOURCE_REQUEST_TIMEOUT", &c.Source.RequestTimeout)

	var cred Credential
	e.str("USERNAME", &cred.Username)
	e.str("PASSWORD", &cred.Password)
	e.str("CLIENT_ID", &cred.ClientID)
	if cred.Username != "" || cred.Password != "" || cred.ClientID != "" {
		cred.Name = "env"
		if len(c.Credentials) == 0 {
			c.Credentials = []Credential{cred}
		} else {
			c.Credentials[0] = mergeCredential(cred, c.Credentials[0])
		}
	}

	e.duration("SESSION_TTL", &c.Session.TTL)
	e.integer("SESSION_LOGIN_ATTEMPTS", &c.Session.LoginAttempts)

	e.integer("MAX_CONCURRENCY", &c.Limits.MaxConcurrency)
	e.float("RATE_PER_SECOND", &c.Limits.RatePerSecond)
	e.integer("BURST", &c.Limits.Burst)

	e.integer("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.duration("RETRY_INITIAL_INTERVAL", &c.Retry.InitialInterval)
	e.duration("RETRY_MAX_INTERVAL", &c.Retry.MaxInterval)

	e.integer("DISCOVERY_WORKERS", &c.Discovery.Workers)
	e.boolean("DISCOVERY_USE_BROWSER", &c.Discovery.UseBrowser)
	e.boolean("DISCOVERY_AUTO_SYNC", &c.Discovery.AutoSync)
	e.integer("MONITORING_WORKERS", &c.Monitoring.Workers)
	e.duration("MONITORING_SCHEDULE_INTERVAL", &c.Monitoring.ScheduleInterval)

	e.str("DATABASE_DRIVER", &c.Database.Driver)
	e.str("DATABASE_DSN", &c.Database.DSN)
	if v, ok := lookup("DATABASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = strings.TrimSpace(v)
	}

	e.integer("SERVER_PORT", &c.Server.Port)
	e.str("JWT_SECRET", &c.Server.JWTSecret)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)

	return e.err
}

func mergeCredential(override, base Credential) Credential {
	if override.Username == "" {
		override.Username = base.Username
	}
	if override.Password == "" {
		override.Password = base.Password
	}
	if override.ClientID == "" {
		override.ClientID = base.ClientID
	}
	return override
}

// envReader records the first parse failure and ignores unset keys.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = i
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
