// Package config loads the access gate configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig        `yaml:"server"`
	Backend     BackendConfig       `yaml:"backend"`
	License     LicenseConfig       `yaml:"license"`
	RateLimit   RateLimitConfig     `yaml:"rate_limit"`
	Redis       RedisConfig         `yaml:"redis"`
	Logging     LoggingConfig       `yaml:"logging"`
	Permissions map[string][]string `yaml:"permissions"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// BackendConfig configures the hosted auth backend (the remote oracle).
type BackendConfig struct {
	URL        string   `yaml:"url"`
	AnonKey    string   `yaml:"anon_key"`
	ServiceKey string   `yaml:"service_key"`
	JWTSecret  string   `yaml:"jwt_secret"`
	Timeout    Duration `yaml:"timeout"`
	// PostgresDSN enables the direct-SQL oracle when set; the REST
	// oracle is used otherwise.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LicenseConfig configures the license validation cache.
type LicenseConfig struct {
	// Interval between revalidations of a signed-in user's license.
	Interval Duration `yaml:"interval"`
	// RequestTimeout bounds a single validation call.
	RequestTimeout Duration `yaml:"request_timeout"`
	// BackoffInitial is the first retry delay after a failed validation.
	BackoffInitial Duration `yaml:"backoff_initial"`
	// BackoffMax caps the retry delay.
	BackoffMax Duration `yaml:"backoff_max"`
	// SweepSchedule is a cron expression for evicting entries of
	// signed-out users.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// RateLimitConfig configures per-user request rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// RedisConfig configures the optional auth event fan-out bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from path, then applies environment overrides
// and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("SUPABASE_ANON_KEY"); v != "" {
		c.Backend.AnonKey = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		c.Backend.ServiceKey = v
	}
	if v := os.Getenv("SUPABASE_JWT_SECRET"); v != "" {
		c.Backend.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Backend.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = Duration(30 * time.Second)
	}
	if c.License.Interval == 0 {
		c.License.Interval = Duration(5 * time.Minute)
	}
	if c.License.RequestTimeout == 0 {
		c.License.RequestTimeout = Duration(5 * time.Second)
	}
	if c.License.BackoffInitial == 0 {
		c.License.BackoffInitial = Duration(30 * time.Second)
	}
	if c.License.BackoffMax == 0 {
		c.License.BackoffMax = Duration(5 * time.Minute)
	}
	if c.License.SweepSchedule == "" {
		c.License.SweepSchedule = "@every 30m"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Permissions == nil {
		c.Permissions = DefaultPermissions()
	}
}

func (c *Config) validate() error {
	// The auth surface always goes through the hosted backend; the
	// Postgres DSN only supplements license and profile reads.
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.Backend.AnonKey == "" {
		return fmt.Errorf("backend anon key is required")
	}
	for name, roles := range c.Permissions {
		if len(roles) == 0 {
			return fmt.Errorf("permission %s: at least one role is required", name)
		}
	}
	return nil
}

// DefaultPermissions returns the built-in permission table: permission
// name to the set of roles allowed.
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		"budgets.view":      {"user"},
		"budgets.create":    {"user"},
		"budgets.delete":    {"user"},
		"clients.view":      {"user"},
		"clients.manage":    {"user"},
		"settings.view":     {"user"},
		"settings.advanced": {"user"},
		"admin.panel":       {"admin"},
		"admin.users":       {"admin"},
		"admin.licenses":    {"admin"},
	}
}
