// Package snowflake provides the Snowflake backend.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/canonica-labs/querycache/internal/backend"
)

// Config configures the Snowflake backend.
type Config struct {
	// Account is the Snowflake account identifier.
	Account string

	User     string
	Password string

	// Database holds the schemas the catalog describes.
	Database string

	// Warehouse is the compute warehouse.
	Warehouse string

	Role string

	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		QueryTimeout:   5 * time.Minute,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Account == "" {
		return fmt.Errorf("snowflake: account is required")
	}
	if c.User == "" {
		return fmt.Errorf("snowflake: user is required")
	}
	if c.Password == "" {
		return fmt.Errorf("snowflake: password is required")
	}
	if c.Warehouse == "" {
		return fmt.Errorf("snowflake: warehouse is required")
	}
	return nil
}

// DSN builds the gosnowflake connection string.
func (c Config) DSN() (string, error) {
	sfCfg := &gosnowflake.Config{
		Account:      c.Account,
		User:         c.User,
		Password:     c.Password,
		Database:     c.Database,
		Warehouse:    c.Warehouse,
		Role:         c.Role,
		LoginTimeout: c.ConnectTimeout,
	}
	return gosnowflake.DSN(sfCfg)
}

// Open opens the database and verifies it is reachable.
func Open(ctx context.Context, cfg Config) (*backend.SQLBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, fmt.Errorf("snowflake: build dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("snowflake: failed to open connection: %w", err)
	}
	backend.PoolConfig{}.Apply(db)

	if cfg.ConnectTimeout > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("snowflake: connection test failed: %w", err)
		}
	}

	return backend.NewSQLBackend("snowflake", db, cfg.QueryTimeout), nil
}
