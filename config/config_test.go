package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("expected default port 8123, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Lease.TTL.Std() != 30*time.Second {
		t.Errorf("expected 30s lease ttl, got %s", cfg.Lease.TTL.Std())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
  auth_token: sekrit
database:
  driver: sqlite
  dsn: /tmp/agent.db
retention:
  max_age: 24h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Server.AuthToken != "sekrit" {
		t.Errorf("expected auth token from file, got %q", cfg.Server.AuthToken)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "/tmp/agent.db" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Retention.MaxAge.Std() != 24*time.Hour {
		t.Errorf("expected 24h retention, got %s", cfg.Retention.MaxAge.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host, got %s", cfg.Server.Host)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTSERVER_PORT", "7070")
	t.Setenv("AGENTSERVER_DB_DRIVER", "sqlite")
	t.Setenv("AGENTSERVER_DB_DSN", "/tmp/env.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Database.DSN != "/tmp/env.db" {
		t.Errorf("expected env dsn, got %s", cfg.Database.DSN)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = "sqlite" }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, true},
		{"redis lease without addr", func(c *Config) { c.Lease.Backend = "redis" }, true},
		{"postgres lease without postgres db", func(c *Config) { c.Lease.Backend = "postgres" }, true},
		{"unknown lease backend", func(c *Config) { c.Lease.Backend = "zookeeper" }, true},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		err := cfg.validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}
