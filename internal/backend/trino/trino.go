// Package trino provides the Trino backend.
package trino

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/trinodb/trino-go-client/trino" // Trino driver

	"github.com/canonica-labs/querycache/internal/backend"
)

// Config configures the Trino backend.
type Config struct {
	// Host is the Trino coordinator hostname.
	Host string

	// Port is the Trino coordinator port.
	Port int

	// Catalog is the Trino catalog that schemas live in.
	Catalog string

	// Schema is the session schema. Statements reaching Trino are fully
	// qualified, so it only matters for ad hoc use.
	Schema string

	User string

	// SSLMode controls SSL/TLS: "", "disable", "require"
	SSLMode string

	Pool         backend.PoolConfig
	QueryTimeout time.Duration
}

// DSN builds the driver connection string.
// Format: http[s]://user@host:port?catalog=X&schema=Y
func (c Config) DSN() string {
	if c.User == "" {
		c.User = "querycache"
	}
	if c.Catalog == "" {
		c.Catalog = "memory"
	}
	if c.Schema == "" {
		c.Schema = "default"
	}
	if c.Port == 0 {
		c.Port = 8080
	}

	scheme := "http"
	if c.SSLMode == "require" {
		scheme = "https"
	}

	q := url.Values{}
	q.Set("catalog", c.Catalog)
	q.Set("schema", c.Schema)

	return fmt.Sprintf("%s://%s@%s:%d?%s", scheme, url.PathEscape(c.User), c.Host, c.Port, q.Encode())
}

// Open opens a connection pool to the coordinator.
func Open(cfg Config) (*backend.SQLBackend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("trino: host is required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Minute
	}

	db, err := sql.Open("trino", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("trino: failed to open connection: %w", err)
	}
	cfg.Pool.Apply(db)

	return backend.NewSQLBackend("trino", db, cfg.QueryTimeout), nil
}
