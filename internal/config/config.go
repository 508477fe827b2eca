// Package config provides configuration loading for the querycache CLI and gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stale modes.
const (
	StaleModeFallback = "fallback"
	StaleModeError    = "error"
)

// Config holds the application configuration.
type Config struct {
	// Endpoint is the gateway URL used by the CLI in remote mode.
	Endpoint string `mapstructure:"endpoint"`

	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configuration (for gateway)
	Server ServerConfig `mapstructure:"server"`

	Catalog CatalogConfig `mapstructure:"catalog"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Backend BackendConfig `mapstructure:"backend"`
	Storage StorageConfig `mapstructure:"storage"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Token is the bearer token the CLI sends.
	Token string `mapstructure:"token"`

	// Users are the tokens the gateway accepts.
	Users []UserConfig `mapstructure:"users"`
}

// UserConfig maps a static token to a user.
type UserConfig struct {
	Name  string   `mapstructure:"name"`
	Token string   `mapstructure:"token"`
	Roles []string `mapstructure:"roles"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"readTimeout"`
	WriteTimeout string `mapstructure:"writeTimeout"`

	// SessionIdleTimeout closes sessions unused for this long.
	SessionIdleTimeout string `mapstructure:"sessionIdleTimeout"`
}

// CatalogConfig configures the schema catalog.
type CatalogConfig struct {
	// DefaultSchema is the search path of a new session.
	DefaultSchema string `mapstructure:"default_schema"`

	MutationLogSize int `mapstructure:"mutation_log_size"`

	// SyncOnStart imports schemas and tables from the backend's
	// information_schema at startup.
	SyncOnStart    bool     `mapstructure:"sync_on_start"`
	IncludeSchemas []string `mapstructure:"include_schemas"`
	ExcludeSchemas []string `mapstructure:"exclude_schemas"`
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	// StaleMode is "fallback" or "error".
	StaleMode string `mapstructure:"stale_mode"`

	// MemoSize is how many result sets are memoized. Zero disables it.
	MemoSize int `mapstructure:"memo_size"`

	// Persist stores cache entries and catalog mutations in storage.
	Persist bool `mapstructure:"persist"`
}

// BackendConfig selects and configures the upstream engine.
type BackendConfig struct {
	// Driver is duckdb, postgres, redshift, trino, snowflake or bigquery.
	Driver string `mapstructure:"driver"`

	// DSN overrides the per-driver settings for duckdb and postgres.
	DSN string `mapstructure:"dsn"`

	// MirrorDDL runs catalog DDL on the backend before applying it.
	MirrorDDL bool `mapstructure:"mirror_ddl"`

	QueryTimeout string `mapstructure:"query_timeout"`

	DuckDB    DuckDBConfig    `mapstructure:"duckdb"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Trino     TrinoConfig     `mapstructure:"trino"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
	BigQuery  BigQueryConfig  `mapstructure:"bigquery"`
}

// DuckDBConfig holds DuckDB configuration.
type DuckDBConfig struct {
	Database string `mapstructure:"database"`
}

// PostgresConfig holds PostgreSQL and Redshift configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// TrinoConfig holds Trino configuration.
type TrinoConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Catalog string `mapstructure:"catalog"`
	User    string `mapstructure:"user"`
	SSLMode string `mapstructure:"sslmode"`
}

// SnowflakeConfig holds Snowflake configuration.
type SnowflakeConfig struct {
	Account   string `mapstructure:"account"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Database  string `mapstructure:"database"`
	Warehouse string `mapstructure:"warehouse"`
	Role      string `mapstructure:"role"`
}

// BigQueryConfig holds BigQuery configuration.
type BigQueryConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Location        string `mapstructure:"location"`
}

// StorageConfig selects where persistent state lives.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite". Empty keeps state in memory.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:8080",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:               8080,
			ReadTimeout:        "30s",
			WriteTimeout:       "30s",
			SessionIdleTimeout: "30m",
		},
		Catalog: CatalogConfig{
			DefaultSchema:   "public",
			MutationLogSize: 4096,
		},
		Cache: CacheConfig{
			StaleMode: StaleModeFallback,
			MemoSize:  256,
		},
		Backend: BackendConfig{
			Driver:       "duckdb",
			MirrorDDL:    true,
			QueryTimeout: "5m",
			DuckDB:       DuckDBConfig{Database: ":memory:"},
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
			Trino: TrinoConfig{
				Port:    8080,
				Catalog: "memory",
			},
			BigQuery: BigQueryConfig{Location: "US"},
		},
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Cache.StaleMode {
	case StaleModeFallback, StaleModeError:
	default:
		return fmt.Errorf("config: cache.stale_mode must be %q or %q, got %q", StaleModeFallback, StaleModeError, c.Cache.StaleMode)
	}
	if c.Cache.MemoSize < 0 {
		return fmt.Errorf("config: cache.memo_size cannot be negative")
	}
	switch c.Backend.Driver {
	case "duckdb", "postgres", "redshift", "trino", "snowflake", "bigquery":
	default:
		return fmt.Errorf("config: unknown backend.driver %q", c.Backend.Driver)
	}
	switch c.Storage.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Cache.Persist && c.Storage.Driver == "" {
		return fmt.Errorf("config: cache.persist requires storage.driver")
	}
	for _, d := range []string{c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.SessionIdleTimeout, c.Backend.QueryTimeout} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback when it is empty.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".querycache"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// QUERYCACHE_CACHE_STALE_MODE overrides cache.stale_mode.
	v.SetEnvPrefix("QUERYCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("auth.token", "")
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	v.SetDefault("server.sessionIdleTimeout", d.Server.SessionIdleTimeout)
	v.SetDefault("catalog.default_schema", d.Catalog.DefaultSchema)
	v.SetDefault("catalog.mutation_log_size", d.Catalog.MutationLogSize)
	v.SetDefault("catalog.sync_on_start", false)
	v.SetDefault("cache.stale_mode", d.Cache.StaleMode)
	v.SetDefault("cache.memo_size", d.Cache.MemoSize)
	v.SetDefault("cache.persist", false)
	v.SetDefault("backend.driver", d.Backend.Driver)
	v.SetDefault("backend.dsn", "")
	v.SetDefault("backend.mirror_ddl", d.Backend.MirrorDDL)
	v.SetDefault("backend.query_timeout", d.Backend.QueryTimeout)
	v.SetDefault("backend.duckdb.database", d.Backend.DuckDB.Database)
	v.SetDefault("backend.postgres.host", d.Backend.Postgres.Host)
	v.SetDefault("backend.postgres.port", d.Backend.Postgres.Port)
	v.SetDefault("backend.postgres.sslmode", d.Backend.Postgres.SSLMode)
	v.SetDefault("backend.trino.port", d.Backend.Trino.Port)
	v.SetDefault("backend.trino.catalog", d.Backend.Trino.Catalog)
	v.SetDefault("backend.bigquery.location", d.Backend.BigQuery.Location)
	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.dsn", "")
}
