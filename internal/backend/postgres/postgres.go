// Package postgres provides the PostgreSQL backend. Redshift speaks the
// same protocol and is served by this package with its own defaults.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/canonica-labs/querycache/internal/backend"
)

// Config configures the PostgreSQL backend.
type Config struct {
	// DSN is a complete connection string. When set, the discrete fields
	// are ignored.
	DSN string

	Host     string
	Port     int
	Database string
	User     string
	Password string

	// SSLMode controls SSL: disable, require, verify-ca, verify-full
	SSLMode string

	// Redshift switches the defaults and the backend name to Redshift.
	Redshift bool

	Pool           backend.PoolConfig
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// DefaultConfig returns the defaults for PostgreSQL.
func DefaultConfig() Config {
	return Config{
		Port:           5432,
		SSLMode:        "disable",
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   5 * time.Minute,
	}
}

// RedshiftConfig returns the defaults for Redshift.
func RedshiftConfig() Config {
	return Config{
		Port:           5439,
		SSLMode:        "require",
		Redshift:       true,
		ConnectTimeout: 30 * time.Second,
		QueryTimeout:   5 * time.Minute,
	}
}

func (c Config) name() string {
	if c.Redshift {
		return "redshift"
	}
	return "postgres"
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.DSN != "" {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("%s: host is required", c.name())
	}
	if c.Database == "" {
		return fmt.Errorf("%s: database is required", c.name())
	}
	if c.User == "" {
		return fmt.Errorf("%s: user is required", c.name())
	}
	return nil
}

// ConnString builds the lib/pq connection string.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.SSLMode)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	if c.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", int(c.ConnectTimeout.Seconds()))
	}
	return dsn
}

// Open opens the database and verifies it is reachable.
func Open(ctx context.Context, cfg Config) (*backend.SQLBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open connection: %w", cfg.name(), err)
	}
	cfg.Pool.Apply(db)

	if cfg.ConnectTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: connection test failed: %w", cfg.name(), err)
		}
	}

	return backend.NewSQLBackend(cfg.name(), db, cfg.QueryTimeout), nil
}
