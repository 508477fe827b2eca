package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============== Defaults ==============

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Catalog.DefaultSchema != "public" {
		t.Errorf("default schema = %q, want public", cfg.Catalog.DefaultSchema)
	}
	if cfg.Cache.StaleMode != StaleModeFallback {
		t.Errorf("stale mode = %q, want fallback", cfg.Cache.StaleMode)
	}
}

// ============== Validation ==============

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"error stale mode", func(c *Config) { c.Cache.StaleMode = StaleModeError }, false},
		{"unknown stale mode", func(c *Config) { c.Cache.StaleMode = "ignore" }, true},
		{"negative memo size", func(c *Config) { c.Cache.MemoSize = -1 }, true},
		{"snowflake backend", func(c *Config) { c.Backend.Driver = "snowflake" }, false},
		{"unknown backend", func(c *Config) { c.Backend.Driver = "oracle" }, true},
		{"sqlite storage", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"persist without storage", func(c *Config) { c.Cache.Persist = true }, true},
		{"persist with storage", func(c *Config) {
			c.Cache.Persist = true
			c.Storage.Driver = "sqlite"
		}, false},
		{"bad read timeout", func(c *Config) { c.Server.ReadTimeout = "soon" }, true},
		{"bad query timeout", func(c *Config) { c.Backend.QueryTimeout = "10" }, true},
		{"empty idle timeout", func(c *Config) { c.Server.SessionIdleTimeout = "" }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	fallback := 7 * time.Second
	testCases := []struct {
		value string
		want  time.Duration
	}{
		{"", fallback},
		{"bogus", fallback},
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
	}
	for _, tc := range testCases {
		if got := Duration(tc.value, fallback); got != tc.want {
			t.Errorf("Duration(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

// ============== Loading ==============

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
endpoint: http://gateway:9090
catalog:
  default_schema: app
  include_schemas: [app, sales]
cache:
  stale_mode: error
  persist: true
backend:
  driver: postgres
  postgres:
    host: db
    name: warehouse
storage:
  driver: sqlite
  dsn: /tmp/state.db
auth:
  users:
    - name: alice
      token: secret
      roles: [admin]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Endpoint != "http://gateway:9090" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Catalog.DefaultSchema != "app" || len(cfg.Catalog.IncludeSchemas) != 2 {
		t.Errorf("catalog = %+v", cfg.Catalog)
	}
	if cfg.Cache.StaleMode != StaleModeError || !cfg.Cache.Persist {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	// Unset keys keep their defaults.
	if cfg.Cache.MemoSize != 256 || cfg.Backend.Postgres.Port != 5432 {
		t.Errorf("defaults lost: memo=%d port=%d", cfg.Cache.MemoSize, cfg.Backend.Postgres.Port)
	}
	if cfg.Backend.Postgres.Host != "db" || cfg.Backend.Postgres.Name != "warehouse" {
		t.Errorf("postgres = %+v", cfg.Backend.Postgres)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Name != "alice" || cfg.Auth.Users[0].Roles[0] != "admin" {
		t.Errorf("users = %+v", cfg.Auth.Users)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeFile(t, "cache:\n  stale_mode: sometimes\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeFile(t, "cache:\n  stale_mode: fallback\n")
	t.Setenv("QUERYCACHE_CACHE_STALE_MODE", "error")
	t.Setenv("QUERYCACHE_BACKEND_DRIVER", "trino")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.StaleMode != StaleModeError {
		t.Errorf("stale mode = %q, want error from environment", cfg.Cache.StaleMode)
	}
	if cfg.Backend.Driver != "trino" {
		t.Errorf("driver = %q, want trino", cfg.Backend.Driver)
	}
}
