// Package config loads the Durandal configuration. The environment is read
// exactly once at startup into a typed Config value which is then passed by
// reference; nothing in the rest of the process consults os.Getenv.
//
// An optional YAML file (DURANDAL_CONFIG or --config PATH) may override the
// tunable defaults; explicit environment variables always win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for a Durandal process.
type Config struct {
	Log     LogConfig
	Storage StorageConfig
	Cache   CacheConfig
	Server  ServerConfig
	Update  UpdateConfig
}

// LogConfig controls the logger built at startup.
type LogConfig struct {
	Level        string // debug, info, warn, error (default: info)
	Verbose      bool   // verbose console output
	File         string // optional JSON-lines log file
	ErrorFile    string // optional error-only log file
	LogToolCalls bool   // log every MCP tool call at info
}

// StorageConfig selects and locates the durable store.
type StorageConfig struct {
	// DatabasePath is the embedded SQLite file (default:
	// ./durandal-mcp-memory.db in the current working directory).
	DatabasePath string

	// DatabaseURL, when set, selects the PostgreSQL backend instead of the
	// embedded store. The same storage contract holds for both.
	DatabaseURL string
}

// CacheConfig tunes the in-process hot tier.
type CacheConfig struct {
	Capacity  int           // max entries (default 1000)
	SearchTTL time.Duration // TTL for search fingerprints (default 30m)
}

// ServerConfig tunes the protocol server.
type ServerConfig struct {
	MaxInFlight   int64         // max concurrent requests (default 64)
	ShutdownGrace time.Duration // drain window on shutdown (default 5s)
}

// UpdateConfig controls the npm registry update check.
type UpdateConfig struct {
	Enabled      bool
	Interval     time.Duration // default 24h (env value is milliseconds)
	Notification bool
	AutoUpdate   bool
	Package      string // npm package name to check
}

// Defaults as exposed configuration (sizes and limits are suggestions in the
// product spec, so they are all tunable here).
const (
	DefaultDatabasePath  = "./durandal-mcp-memory.db"
	DefaultCacheCapacity = 1000
	DefaultSearchTTL     = 30 * time.Minute
	DefaultMaxInFlight   = 64
	DefaultShutdownGrace = 5 * time.Second
	DefaultUpdateEvery   = 24 * time.Hour
	DefaultPackage       = "durandal-memory-mcp"
)

// fileOverlay mirrors the YAML config file shape. Only tunables appear here;
// operational switches (log level, paths) stay environment-driven.
type fileOverlay struct {
	Cache struct {
		Capacity  int    `yaml:"capacity"`
		SearchTTL string `yaml:"search_ttl"`
	} `yaml:"cache"`
	Server struct {
		MaxInFlight   int64  `yaml:"max_in_flight"`
		ShutdownGrace string `yaml:"shutdown_grace"`
	} `yaml:"server"`
	Update struct {
		Package string `yaml:"package"`
	} `yaml:"update"`
}

// Load builds a Config from the environment, applying the optional YAML file
// at path (empty string skips the overlay). Environment variables win over
// file values, which win over defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Verbose:      getEnvBool("VERBOSE", false),
			File:         getEnv("LOG_FILE", ""),
			ErrorFile:    getEnv("ERROR_LOG_FILE", ""),
			LogToolCalls: getEnvBool("LOG_MCP_TOOLS", true),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("DATABASE_PATH", DefaultDatabasePath),
			DatabaseURL:  getEnv("DATABASE_URL", ""),
		},
		Cache: CacheConfig{
			Capacity:  DefaultCacheCapacity,
			SearchTTL: DefaultSearchTTL,
		},
		Server: ServerConfig{
			MaxInFlight:   DefaultMaxInFlight,
			ShutdownGrace: DefaultShutdownGrace,
		},
		Update: UpdateConfig{
			Enabled:      getEnvBool("UPDATE_CHECK_ENABLED", true),
			Interval:     getEnvMillis("UPDATE_CHECK_INTERVAL", DefaultUpdateEvery),
			Notification: getEnvBool("UPDATE_NOTIFICATION", true),
			AutoUpdate:   getEnvBool("AUTO_UPDATE", false),
			Package:      DefaultPackage,
		},
	}

	// DEBUG forces debug-level logging regardless of LOG_LEVEL.
	if getEnvBool("DEBUG", false) {
		cfg.Log.Level = "debug"
	}

	// Opt-out switches win over the enable flags.
	if getEnvBool("NO_UPDATE_CHECK", false) {
		cfg.Update.Enabled = false
	}
	if getEnvBool("NO_UPDATE_NOTIFIER", false) {
		cfg.Update.Notification = false
	}

	if path == "" {
		path = os.Getenv("DURANDAL_CONFIG")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.Cache.Capacity > 0 {
		c.Cache.Capacity = overlay.Cache.Capacity
	}
	if overlay.Cache.SearchTTL != "" {
		d, err := time.ParseDuration(overlay.Cache.SearchTTL)
		if err != nil {
			return fmt.Errorf("config: cache.search_ttl: %w", err)
		}
		c.Cache.SearchTTL = d
	}
	if overlay.Server.MaxInFlight > 0 {
		c.Server.MaxInFlight = overlay.Server.MaxInFlight
	}
	if overlay.Server.ShutdownGrace != "" {
		d, err := time.ParseDuration(overlay.Server.ShutdownGrace)
		if err != nil {
			return fmt.Errorf("config: server.shutdown_grace: %w", err)
		}
		c.Server.ShutdownGrace = d
	}
	if overlay.Update.Package != "" {
		c.Update.Package = overlay.Update.Package
	}

	return nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q (want debug|info|warn|error)", c.Log.Level)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Server.MaxInFlight <= 0 {
		return fmt.Errorf("config: max in-flight must be positive, got %d", c.Server.MaxInFlight)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no" as
// false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
		return true
	case "false", "0", "no", "False", "FALSE", "No", "NO":
		return false
	}
	return defaultValue
}

// getEnvMillis reads an integer environment variable expressed in
// milliseconds and returns it as a duration.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
