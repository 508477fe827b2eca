package backend

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/canonica-labs/querycache/internal/errors"
)

// PoolConfig configures the connection pool of a database/sql backend.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections. Default: 10.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections. Default: 5.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection. Default: 5 minutes.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum idle time of a connection. Default: 1 minute.
	ConnMaxIdleTime time.Duration
}

// Apply sets the pool limits on db, filling in defaults.
func (p PoolConfig) Apply(db *sql.DB) {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = 10
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 5
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = 5 * time.Minute
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = time.Minute
	}
	db.SetMaxOpenConns(p.MaxOpenConns)
	db.SetMaxIdleConns(p.MaxIdleConns)
	db.SetConnMaxLifetime(p.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.ConnMaxIdleTime)
}

// SQLBackend runs statements through a database/sql driver. The duckdb,
// postgres, trino and snowflake backends are all SQLBackends.
type SQLBackend struct {
	mu           sync.RWMutex
	name         string
	db           *sql.DB
	queryTimeout time.Duration
	closed       bool
}

// NewSQLBackend wraps an open database. A zero queryTimeout means no
// timeout beyond the caller's context.
func NewSQLBackend(name string, db *sql.DB, queryTimeout time.Duration) *SQLBackend {
	return &SQLBackend{name: name, db: db, queryTimeout: queryTimeout}
}

// Name returns the backend name.
func (b *SQLBackend) Name() string {
	return b.name
}

// DB returns the underlying database.
func (b *SQLBackend) DB() *sql.DB {
	return b.db
}

func (b *SQLBackend) conn() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.db == nil {
		return nil, errors.NewBackendUnavailable(b.name, "connection is closed")
	}
	return b.db, nil
}

func (b *SQLBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.queryTimeout > 0 {
		return context.WithTimeout(ctx, b.queryTimeout)
	}
	return context.WithCancel(ctx)
}

// Query runs a statement and reads every row.
func (b *SQLBackend) Query(ctx context.Context, query string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewBackendFailed(b.name, err)
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewBackendFailed(b.name, err)
	}
	defer rows.Close()

	result, err := ScanRows(ctx, rows)
	if err != nil {
		return nil, errors.NewBackendFailed(b.name, err)
	}
	return result, nil
}

// Exec runs a statement that returns no rows.
func (b *SQLBackend) Exec(ctx context.Context, stmt string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewBackendFailed(b.name, err)
	}
	db, err := b.conn()
	if err != nil {
		return 0, err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, errors.NewBackendFailed(b.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows for DDL.
		return 0, nil
	}
	return n, nil
}

// Ping checks if the database is reachable.
func (b *SQLBackend) Ping(ctx context.Context) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.NewBackendFailed(b.name, err)
	}
	return nil
}

// Close is idempotent.
func (b *SQLBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// ScanRows reads rows into a Result.
func ScanRows(ctx context.Context, rows *sql.Rows) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([][]interface{}, 0)
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{Columns: columns, Rows: out, RowCount: len(out)}, nil
}

var _ Backend = (*SQLBackend)(nil)
