// Package config provides configuration management for keygate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// StoreDriver names a license store backend.
type StoreDriver string

const (
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
)

// ErrUnsupportedDatabaseURL is returned for a DATABASE_URL with an unknown scheme.
var ErrUnsupportedDatabaseURL = errors.New("unsupported DATABASE_URL scheme")

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment `envconfig:"ENV" default:"development"`
	ListenAddr  string      `envconfig:"LISTEN_ADDR" default:":8080"`
	DatabaseURL string      `envconfig:"DATABASE_URL" required:"true"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	RedisURL          string        `envconfig:"REDIS_URL"`
	RateLimitRequests int64         `envconfig:"RATE_LIMIT_REQUESTS" default:"100"`
	RateLimitPeriod   time.Duration `envconfig:"RATE_LIMIT_PERIOD" default:"1m"`

	// AdminTokenHash is a bcrypt hash of the admin bearer token. Empty disables the admin API.
	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH"`
	CatalogPath    string `envconfig:"CATALOG_PATH"`

	// ExpirySweepSchedule is a cron spec. Empty or "off" disables the sweep.
	ExpirySweepSchedule string        `envconfig:"EXPIRY_SWEEP_SCHEDULE" default:"@hourly"`
	StoreTimeout        time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	ExpireWriteTimeout  time.Duration `envconfig:"EXPIRE_WRITE_TIMEOUT" default:"2s"`
	ShutdownTimeout     time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	// ShutdownDrainDelay keeps serving after /health turns unavailable.
	ShutdownDrainDelay  time.Duration `envconfig:"SHUTDOWN_DRAIN_DELAY" default:"0s"`

	TracingExporter string `envconfig:"TRACING_EXPORTER" default:"none"`
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		cfg.Environment = EnvDevelopment
	}

	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 100
	}
	if cfg.RateLimitPeriod <= 0 {
		cfg.RateLimitPeriod = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.ExpireWriteTimeout <= 0 {
		cfg.ExpireWriteTimeout = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.ShutdownDrainDelay < 0 || cfg.ShutdownDrainDelay >= cfg.ShutdownTimeout {
		cfg.ShutdownDrainDelay = 0
	}

	if _, _, err := cfg.Store(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// IsProduction reports whether the server runs in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// AdminEnabled reports whether the admin API should be mounted.
func (c ServerConfig) AdminEnabled() bool {
	return c.AdminTokenHash != ""
}

// SweepEnabled reports whether the expiry sweep should run.
func (c ServerConfig) SweepEnabled() bool {
	s := strings.TrimSpace(c.ExpirySweepSchedule)
	return s != "" && !strings.EqualFold(s, "off")
}

// Store returns the store driver and its data source selected by DATABASE_URL.
// postgres:// and postgresql:// select PostgreSQL with the URL unchanged.
// sqlite://<path> selects SQLite with the path after the scheme.
func (c ServerConfig) Store() (StoreDriver, string, error) {
	return ParseDatabaseURL(c.DatabaseURL)
}

// ParseDatabaseURL maps a database URL to a store driver and data source.
func ParseDatabaseURL(raw string) (StoreDriver, string, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedDatabaseURL, raw)
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return StorePostgres, raw, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return "", "", fmt.Errorf("%w: sqlite path is empty", ErrUnsupportedDatabaseURL)
		}
		return StoreSQLite, rest, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedDatabaseURL, scheme)
	}
}
