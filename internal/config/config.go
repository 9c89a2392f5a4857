// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TESSERA_SERVER_PORT.
const EnvPrefix = "TESSERA_"

// Driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"        envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity"      envPrefix:"IDENTITY_"`
	Store         StoreConfig         `yaml:"store"         envPrefix:"STORE_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"   envPrefix:"IDEMPOTENCY_"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"    envPrefix:"DISPATCHER_"`
	Access        AccessConfig        `yaml:"access"        envPrefix:"ACCESS_"`
	Seed          SeedConfig          `yaml:"seed"          envPrefix:"SEED_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"  env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are verified. Tokens are
// HMAC-signed; the secret is normally supplied through TESSERA_IDENTITY_SECRET.
// PreviousSecrets keeps tokens signed before a rotation valid until they
// expire.
type IdentityConfig struct {
	Issuer          string            `yaml:"issuer"           env:"ISSUER"`
	Audience        string            `yaml:"audience"         env:"AUDIENCE"`
	Secret          string            `yaml:"secret"           env:"SECRET"`
	PreviousSecrets []string          `yaml:"previous_secrets" env:"PREVIOUS_SECRETS" envSeparator:","`
	Algorithms      []string          `yaml:"algorithms"`
	ClaimPaths      map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes workflow persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"            env:"DRIVER"`
	DSN             string        `yaml:"dsn"               env:"DSN"`
	MaxConns        int32         `yaml:"max_conns"         env:"MAX_CONNS"`
	MinConns        int32         `yaml:"min_conns"         env:"MIN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"  env:"MIGRATE_ON_START"`
}

// IdempotencyConfig describes the idempotency record store.
type IdempotencyConfig struct {
	Driver        string        `yaml:"driver"         env:"DRIVER"`
	RedisAddr     string        `yaml:"redis_addr"     env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db"       env:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl"            env:"TTL"`
	LockTimeout   time.Duration `yaml:"lock_timeout"   env:"LOCK_TIMEOUT"`
}

// DispatcherConfig describes the orchestration job queue and worker.
type DispatcherConfig struct {
	Queue              string        `yaml:"queue"                env:"QUEUE"`
	Embedded           bool          `yaml:"embedded"             env:"EMBEDDED"`
	Workers            int           `yaml:"workers"              env:"WORKERS"`
	PollInterval       time.Duration `yaml:"poll_interval"        env:"POLL_INTERVAL"`
	MaxAttempts        int           `yaml:"max_attempts"         env:"MAX_ATTEMPTS"`
	BaseDelay          time.Duration `yaml:"base_delay"           env:"BASE_DELAY"`
	MaxDelay           time.Duration `yaml:"max_delay"            env:"MAX_DELAY"`
	Lease              time.Duration `yaml:"lease"                env:"LEASE"`
	MaxConflictRetries int           `yaml:"max_conflict_retries" env:"MAX_CONFLICT_RETRIES"`
}

// AccessConfig describes where user roles and role permissions come from.
type AccessConfig struct {
	DirectoryFile string        `yaml:"directory_file" env:"DIRECTORY_FILE"`
	CacheTTL      time.Duration `yaml:"cache_ttl"      env:"CACHE_TTL"`
}

// SeedConfig lists directories of YAML definitions and policies installed at
// startup.
type SeedConfig struct {
	Directories []string `yaml:"directories" env:"DIRECTORIES" envSeparator:","`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"LOG_FORMAT"`
	Tracing   TracingConfig `yaml:"tracing"    envPrefix:"TRACING_"`
	Metrics   MetricsConfig `yaml:"metrics"    envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"ENABLED"`
	Exporter     string  `yaml:"exporter"      env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint"      env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path"    env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver:      DriverMemory,
			TTL:         24 * time.Hour,
			LockTimeout: 2 * time.Minute,
		},
		Dispatcher: DispatcherConfig{
			Queue:              DriverMemory,
			Embedded:           true,
			Workers:            8,
			PollInterval:       500 * time.Millisecond,
			MaxAttempts:        5,
			BaseDelay:          2 * time.Second,
			MaxDelay:           5 * time.Minute,
			Lease:              time.Minute,
			MaxConflictRetries: 5,
		},
		Access: AccessConfig{
			CacheTTL: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads an optional YAML config file over the defaults, applies
// TESSERA_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Secret == "" {
		errs = append(errs, "identity.secret is required")
	}
	for _, alg := range c.Identity.Algorithms {
		if !slices.Contains([]string{"HS256", "HS384", "HS512"}, alg) {
			errs = append(errs, fmt.Sprintf("identity.algorithms: %q is not an HMAC algorithm", alg))
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Idempotency.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "idempotency.driver postgres requires store.dsn")
		}
	case DriverRedis:
		if c.Idempotency.RedisAddr == "" {
			errs = append(errs, "idempotency.redis_addr is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory, postgres or redis", c.Idempotency.Driver))
	}
	if c.Idempotency.LockTimeout <= 0 {
		errs = append(errs, "idempotency.lock_timeout must be positive")
	}
	if c.Idempotency.TTL < c.Idempotency.LockTimeout {
		errs = append(errs, "idempotency.ttl must not be shorter than lock_timeout")
	}

	switch c.Dispatcher.Queue {
	case DriverMemory:
		if c.Store.Driver == DriverPostgres && !c.Dispatcher.Embedded {
			errs = append(errs, "dispatcher.queue memory requires an embedded worker")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, "dispatcher.queue postgres requires store.dsn")
		}
	default:
		errs = append(errs, fmt.Sprintf("dispatcher.queue %q must be memory or postgres", c.Dispatcher.Queue))
	}
	if c.Dispatcher.Workers < 1 {
		errs = append(errs, "dispatcher.workers must be at least 1")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, "dispatcher.max_attempts must be at least 1")
	}
	if c.Dispatcher.BaseDelay <= 0 {
		errs = append(errs, "dispatcher.base_delay must be positive")
	}

	if f := c.Observability.LogFormat; f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", f))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Identity.Secret != "" {
		c.Identity.Secret = "[REDACTED]"
	}
	if len(c.Identity.PreviousSecrets) > 0 {
		c.Identity.PreviousSecrets = []string{"[REDACTED]"}
	}
	if c.Store.DSN != "" {
		c.Store.DSN = "[REDACTED]"
	}
	if c.Idempotency.RedisPassword != "" {
		c.Idempotency.RedisPassword = "[REDACTED]"
	}
	return c
}
