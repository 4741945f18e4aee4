// Package config manages gateway configuration using koanf/v2.
//
// Configuration is environment-first: every knob is a flat environment
// variable (the containerised deployments inject them directly), with a
// defaults layer underneath and optional .env loading in the entrypoint.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gateway configuration.
type Config struct {
	// PrimaryDatabaseURL is the PostgreSQL connection string (required).
	PrimaryDatabaseURL string `koanf:"primary_database_url"`

	// DBPoolSize caps the PostgreSQL connection pool.
	DBPoolSize int `koanf:"db_pool_size"`

	// GT06Port and TeltonikaPort are the tracker TCP listen ports.
	GT06Port      int `koanf:"gt06_port"`
	TeltonikaPort int `koanf:"teltonika_port"`

	// APIPort is the admin HTTP listen port.
	APIPort int `koanf:"api_port"`

	// ConTimeoutMS is the per-connection graceful drain budget at shutdown,
	// in milliseconds.
	ConTimeoutMS int `koanf:"con_time_out"`

	// SocketTimeoutMS is the idle read timeout, in milliseconds.
	SocketTimeoutMS int `koanf:"socket_timeout"`

	// KeepAliveTimeoutMS is the TCP keep-alive probe interval, in
	// milliseconds.
	KeepAliveTimeoutMS int `koanf:"keep_alive_timeout"`

	// MaxConnectionsPerPort caps concurrent sessions per listening port.
	MaxConnectionsPerPort int `koanf:"max_connections_per_port"`

	// SecretKey is the static bearer token for the admin API and the
	// webhook Authorization header (required).
	SecretKey string `koanf:"secret_key"`

	// DataForwardURL is the webhook endpoint for DeviceRecords (required).
	DataForwardURL string `koanf:"data_forward_url"`

	// Redis connection parameters.
	RedisHost     string `koanf:"redis_host"`
	RedisPort     int    `koanf:"redis_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// NodeEnv selects the runtime profile: development, production, test
	// or staging.
	NodeEnv string `koanf:"node_env"`

	// LogLevel is one of error, warn, info, debug, verbose.
	LogLevel string `koanf:"log_level"`

	// AuthFallback selects the allow-list behaviour when Redis is
	// unavailable: "strict" denies, "lenient" serves the last-known
	// verdict from a local TTL cache.
	AuthFallback string `koanf:"auth_fallback"`

	// TeltonikaStrictCRC drops AVL frames on CRC mismatch instead of
	// decoding them opportunistically.
	TeltonikaStrictCRC bool `koanf:"teltonika_strict_crc"`

	// GT06AdditiveChecksum accepts the 16-bit additive checksum fallback
	// observed in GT06 clone hardware.
	GT06AdditiveChecksum bool `koanf:"gt06_additive_checksum"`
}

// ConTimeout returns the shutdown drain budget as a duration.
func (c *Config) ConTimeout() time.Duration {
	return time.Duration(c.ConTimeoutMS) * time.Millisecond
}

// SocketTimeout returns the idle read timeout as a duration.
func (c *Config) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

// KeepAliveTimeout returns the TCP keep-alive interval as a duration.
func (c *Config) KeepAliveTimeout() time.Duration {
	return time.Duration(c.KeepAliveTimeoutMS) * time.Millisecond
}

// RedisAddr returns the host:port address of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Development reports whether the gateway runs in the development profile.
func (c *Config) Development() bool {
	return c.NodeEnv == "development"
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the documented defaults.
// Required fields (database URL, secret key, forward URL) stay empty and
// fail validation unless provided.
func DefaultConfig() *Config {
	return &Config{
		DBPoolSize:            50,
		GT06Port:              5023,
		TeltonikaPort:         5024,
		APIPort:               5055,
		ConTimeoutMS:          5000,
		SocketTimeoutMS:       300000,
		KeepAliveTimeoutMS:    120000,
		MaxConnectionsPerPort: 50000,
		RedisHost:             "localhost",
		RedisPort:             6379,
		RedisDB:               0,
		NodeEnv:               "production",
		LogLevel:              "info",
		AuthFallback:          "strict",
		GT06AdditiveChecksum:  true,
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// knownVars is the closed set of recognized environment variables. The env
// provider skips everything else so unrelated process environment cannot
// leak into the configuration.
var knownVars = map[string]struct{}{
	"PRIMARY_DATABASE_URL":     {},
	"DB_POOL_SIZE":             {},
	"GT06_PORT":                {},
	"TELTONIKA_PORT":           {},
	"API_PORT":                 {},
	"CON_TIME_OUT":             {},
	"SOCKET_TIMEOUT":           {},
	"KEEP_ALIVE_TIMEOUT":       {},
	"MAX_CONNECTIONS_PER_PORT": {},
	"SECRET_KEY":               {},
	"DATA_FORWARD_URL":         {},
	"REDIS_HOST":               {},
	"REDIS_PORT":               {},
	"REDIS_PASSWORD":           {},
	"REDIS_DB":                 {},
	"NODE_ENV":                 {},
	"LOG_LEVEL":                {},
	"AUTH_FALLBACK":            {},
	"TELTONIKA_STRICT_CRC":     {},
	"GT06_ADDITIVE_CHECKSUM":   {},
}

// Load builds the configuration from defaults overlaid with environment
// variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper admits only the documented variables and lowercases them
// into koanf keys (SOCKET_TIMEOUT -> socket_timeout).
func envKeyMapper(s string) string {
	if _, ok := knownVars[s]; !ok {
		return ""
	}
	return strings.ToLower(s)
}

// loadDefaults seeds koanf with the default configuration as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"db_pool_size":             d.DBPoolSize,
		"gt06_port":                d.GT06Port,
		"teltonika_port":           d.TeltonikaPort,
		"api_port":                 d.APIPort,
		"con_time_out":             d.ConTimeoutMS,
		"socket_timeout":           d.SocketTimeoutMS,
		"keep_alive_timeout":       d.KeepAliveTimeoutMS,
		"max_connections_per_port": d.MaxConnectionsPerPort,
		"redis_host":               d.RedisHost,
		"redis_port":               d.RedisPort,
		"redis_db":                 d.RedisDB,
		"node_env":                 d.NodeEnv,
		"log_level":                d.LogLevel,
		"auth_fallback":            d.AuthFallback,
		"gt06_additive_checksum":   d.GT06AdditiveChecksum,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrMissingDatabaseURL indicates PRIMARY_DATABASE_URL is not set.
	ErrMissingDatabaseURL = errors.New("PRIMARY_DATABASE_URL is required")

	// ErrMissingSecretKey indicates SECRET_KEY is not set.
	ErrMissingSecretKey = errors.New("SECRET_KEY is required")

	// ErrMissingForwardURL indicates DATA_FORWARD_URL is not set.
	ErrMissingForwardURL = errors.New("DATA_FORWARD_URL is required")

	// ErrInvalidPort indicates a listen port is outside 1-65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidPoolSize indicates DB_POOL_SIZE is not positive.
	ErrInvalidPoolSize = errors.New("DB_POOL_SIZE must be >= 1")

	// ErrInvalidMaxConnections indicates MAX_CONNECTIONS_PER_PORT is not
	// positive.
	ErrInvalidMaxConnections = errors.New("MAX_CONNECTIONS_PER_PORT must be >= 1")

	// ErrInvalidTimeout indicates a millisecond timeout is not positive.
	ErrInvalidTimeout = errors.New("timeout must be > 0 milliseconds")

	// ErrInvalidNodeEnv indicates an unrecognized NODE_ENV value.
	ErrInvalidNodeEnv = errors.New("NODE_ENV must be development, production, test or staging")

	// ErrInvalidLogLevel indicates an unrecognized LOG_LEVEL value.
	ErrInvalidLogLevel = errors.New("LOG_LEVEL must be error, warn, info, debug or verbose")

	// ErrInvalidAuthFallback indicates an unrecognized AUTH_FALLBACK value.
	ErrInvalidAuthFallback = errors.New("AUTH_FALLBACK must be strict or lenient")
)

// validNodeEnvs lists the recognized runtime profiles.
var validNodeEnvs = map[string]bool{
	"development": true,
	"production":  true,
	"test":        true,
	"staging":     true,
}

// validLogLevels lists the recognized log level strings.
var validLogLevels = map[string]bool{
	"error":   true,
	"warn":    true,
	"info":    true,
	"debug":   true,
	"verbose": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.PrimaryDatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if cfg.SecretKey == "" {
		return ErrMissingSecretKey
	}
	if cfg.DataForwardURL == "" {
		return ErrMissingForwardURL
	}

	for _, port := range []int{cfg.GT06Port, cfg.TeltonikaPort, cfg.APIPort, cfg.RedisPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: got %d", ErrInvalidPort, port)
		}
	}

	if cfg.DBPoolSize < 1 {
		return ErrInvalidPoolSize
	}
	if cfg.MaxConnectionsPerPort < 1 {
		return ErrInvalidMaxConnections
	}

	for _, ms := range []int{cfg.ConTimeoutMS, cfg.SocketTimeoutMS, cfg.KeepAliveTimeoutMS} {
		if ms <= 0 {
			return fmt.Errorf("%w: got %dms", ErrInvalidTimeout, ms)
		}
	}

	if !validNodeEnvs[cfg.NodeEnv] {
		return fmt.Errorf("%w: got %q", ErrInvalidNodeEnv, cfg.NodeEnv)
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("%w: got %q", ErrInvalidLogLevel, cfg.LogLevel)
	}
	if cfg.AuthFallback != "strict" && cfg.AuthFallback != "lenient" {
		return fmt.Errorf("%w: got %q", ErrInvalidAuthFallback, cfg.AuthFallback)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. "verbose" maps below debug; unknown values default to
// slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "verbose":
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}
