// Package duckdb provides the embedded DuckDB backend. It is the default
// backend for local use and development.
package duckdb

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver

	"github.com/canonica-labs/querycache/internal/backend"
)

// Config configures the DuckDB backend.
type Config struct {
	// DatabasePath is the path to the DuckDB database file.
	// Use ":memory:" for an in-memory database.
	DatabasePath string

	QueryTimeout time.Duration
}

// Open opens a DuckDB database.
func Open(cfg Config) (*backend.SQLBackend, error) {
	path := cfg.DatabasePath
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %s: %w", path, err)
	}
	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return backend.NewSQLBackend("duckdb", db, cfg.QueryTimeout), nil
}
