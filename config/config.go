// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Lease     LeaseConfig     `yaml:"lease"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AuthToken enables bearer token authentication when set.
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig selects the store and event log backend.
type DatabaseConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver"`
	// DSN is the sqlite path or postgres connection string.
	DSN string `yaml:"dsn"`
}

// LeaseConfig selects the execution lease backend.
type LeaseConfig struct {
	// Backend is one of "memory", "postgres", "redis". Postgres requires the
	// database driver to be postgres too.
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           Duration `yaml:"ttl"`
}

// RetentionConfig bounds how long terminal runs keep their event logs.
type RetentionConfig struct {
	// MaxAge is how long a terminal run's events are kept. Zero disables
	// sweeping.
	MaxAge        Duration `yaml:"max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Console      bool    `yaml:"console"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8123,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Lease: LeaseConfig{
			Backend: "memory",
			TTL:     Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			SweepInterval: Duration(time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentserver",
			Environment: "development",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers AGENTSERVER_* variables over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTSERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("AGENTSERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTSERVER_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("AGENTSERVER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("AGENTSERVER_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("AGENTSERVER_LEASE_BACKEND"); v != "" {
		c.Lease.Backend = v
	}
	if v := os.Getenv("AGENTSERVER_REDIS_ADDR"); v != "" {
		c.Lease.RedisAddr = v
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Lease.Backend {
	case "memory":
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("postgres lease backend requires the postgres database driver")
		}
	case "redis":
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("redis lease backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown lease backend %q", c.Lease.Backend)
	}
	return nil
}
