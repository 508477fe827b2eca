// Package infoschema reads table layouts from a backend's
// information_schema so the catalog can be seeded from an existing database.
package infoschema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/canonica-labs/querycache/internal/catalog"
)

// Placeholder renders the n-th (1-based) bind parameter for a driver.
type Placeholder func(n int) string

// Dollar renders $1, $2, ... (postgres, duckdb, sqlite).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders ? (trino, snowflake).
func Question(int) string { return "?" }

// Config configures a Source.
type Config struct {
	// Name identifies the source in logs and errors.
	Name string

	// DB is an open connection to the backend.
	DB *sql.DB

	// Placeholder defaults to Dollar.
	Placeholder Placeholder
}

// Source implements catalog.Source over information_schema.
type Source struct {
	mu     sync.RWMutex
	name   string
	db     *sql.DB
	ph     Placeholder
	closed bool
}

// New creates a Source. The caller keeps ownership of cfg.DB.
func New(cfg Config) (*Source, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("infoschema: database connection is required")
	}
	if cfg.Name == "" {
		cfg.Name = "information_schema"
	}
	if cfg.Placeholder == nil {
		cfg.Placeholder = Dollar
	}
	return &Source{name: cfg.Name, db: cfg.DB, ph: cfg.Placeholder}, nil
}

// Name returns the source identifier.
func (s *Source) Name() string {
	return s.name
}

// CheckConnectivity pings the backend.
func (s *Source) CheckConnectivity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("infoschema: source is closed")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("infoschema: %s unreachable: %w", s.name, err)
	}
	return nil
}

// ListSchemas returns all schema names.
func (s *Source) ListSchemas(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name")
}

// ListTables returns the base tables of a schema.
func (s *Source) ListTables(ctx context.Context, schema string) ([]catalog.TableInfo, error) {
	if schema == "" {
		return nil, fmt.Errorf("infoschema: schema name is required")
	}
	query := fmt.Sprintf(
		"SELECT table_name FROM information_schema.tables WHERE table_schema = %s AND table_type = 'BASE TABLE' ORDER BY table_name",
		s.ph(1))
	names, err := s.queryStrings(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	tables := make([]catalog.TableInfo, 0, len(names))
	for _, name := range names {
		tables = append(tables, catalog.TableInfo{Schema: schema, Name: name})
	}
	return tables, nil
}

// GetTable returns the ordered columns of a table.
func (s *Source) GetTable(ctx context.Context, schema, table string) (*catalog.TableMetadata, error) {
	if schema == "" || table == "" {
		return nil, fmt.Errorf("infoschema: schema and table names are required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("infoschema: source is closed")
	}

	query := fmt.Sprintf(
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position`,
		s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("infoschema: columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	meta := &catalog.TableMetadata{Schema: schema, Name: table}
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("infoschema: scan column: %w", err)
		}
		meta.Columns = append(meta.Columns, catalog.Column{
			Name:     name,
			Type:     strings.ToLower(dataType),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("infoschema: columns of %s.%s: %w", schema, table, err)
	}
	if len(meta.Columns) == 0 {
		return nil, fmt.Errorf("infoschema: table %s.%s has no visible columns", schema, table)
	}
	return meta, nil
}

// Close marks the source closed. The underlying *sql.DB is not closed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Source) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("infoschema: source is closed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("infoschema: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("infoschema: scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
