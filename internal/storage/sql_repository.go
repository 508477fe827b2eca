package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
)

// SQLRepository implements Repository on PostgreSQL or SQLite. The SQL is
// portable between the two; run the migrations before use.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a repository over db.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// DB returns the underlying connection pool.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Append applies m to the stored catalog and records its version, in one
// transaction.
func (r *SQLRepository) Append(ctx context.Context, m catalog.Mutation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(m.At)
	switch m.Kind {
	case catalog.MutationCreateSchema:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO catalog_schemas (name, created_at) VALUES ($1, $2)`,
			m.Schema, at)

	case catalog.MutationDropSchema:
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM catalog_tables WHERE schema_name = $1`, m.Schema); err == nil {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM catalog_schemas WHERE name = $1`, m.Schema)
		}

	case catalog.MutationCreateTable:
		var cols string
		if cols, err = encodeColumns(m.Columns); err == nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO catalog_tables (schema_name, table_name, columns_json, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				m.Schema, m.Table, cols, at, at)
		}

	case catalog.MutationDropTable:
		_, err = tx.ExecContext(ctx,
			`DELETE FROM catalog_tables WHERE schema_name = $1 AND table_name = $2`,
			m.Schema, m.Table)

	case catalog.MutationAlterTable:
		var cols string
		if cols, err = encodeColumns(m.Columns); err == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE catalog_tables SET columns_json = $1, updated_at = $2
				 WHERE schema_name = $3 AND table_name = $4`,
				cols, at, m.Schema, m.Table)
		}

	case catalog.MutationRenameTable:
		_, err = tx.ExecContext(ctx,
			`UPDATE catalog_tables SET table_name = $1, updated_at = $2
			 WHERE schema_name = $3 AND table_name = $4`,
			m.NewName, at, m.Schema, m.Table)

	default:
		err = fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to journal %s: %w", m.Kind, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE catalog_meta SET version = $1, updated_at = $2 WHERE id = 1`,
		int64(m.Version), at,
	); err != nil {
		return fmt.Errorf("failed to record catalog version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Seed stores defaultSchema if the store has no history yet.
func (r *SQLRepository) Seed(ctx context.Context, defaultSchema string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM catalog_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read catalog version: %w", err)
	}
	if version != 0 {
		return nil
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_schemas WHERE name = $1`, defaultSchema,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to check default schema: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_schemas (name, created_at) VALUES ($1, $2)`,
			defaultSchema, formatTime(nowUTC()),
		); err != nil {
			return fmt.Errorf("failed to seed default schema: %w", err)
		}
	}
	return tx.Commit()
}

// LoadCatalog reads the stored catalog.
func (r *SQLRepository) LoadCatalog(ctx context.Context) (*CatalogState, error) {
	state := &CatalogState{Schemas: []string{}, Tables: []*catalog.Table{}}

	var version int64
	err := r.db.QueryRowContext(ctx, `SELECT version FROM catalog_meta WHERE id = 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog version: %w", err)
	}
	state.Version = uint64(version)

	rows, err := r.db.QueryContext(ctx, `SELECT name FROM catalog_schemas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		state.Schemas = append(state.Schemas, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schemas: %w", err)
	}

	tableRows, err := r.db.QueryContext(ctx, `
		SELECT schema_name, table_name, columns_json, created_at, updated_at
		FROM catalog_tables ORDER BY schema_name, table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer tableRows.Close()
	for tableRows.Next() {
		var schema, name, cols, createdAt, updatedAt string
		if err := tableRows.Scan(&schema, &name, &cols, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		t := &catalog.Table{
			Schema:    schema,
			Name:      name,
			CreatedAt: parseTime(createdAt),
			UpdatedAt: parseTime(updatedAt),
		}
		if err := json.Unmarshal([]byte(cols), &t.Columns); err != nil {
			return nil, fmt.Errorf("failed to decode columns of %s: %w", t.FullName(), err)
		}
		state.Tables = append(state.Tables, t)
	}
	if err := tableRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return state, nil
}

// SaveCache replaces any stored entry with the same name or key, unless
// that entry is of a later generation.
func (r *SQLRepository) SaveCache(ctx context.Context, entry cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache %s: %w", entry.Name, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM query_caches WHERE name = $1 OR cache_key = $2`,
		entry.Name, entry.Key,
	).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read cache %s: %w", entry.Name, err)
	}
	if uint64(stored) > entry.Generation {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_caches WHERE name = $1 OR cache_key = $2`,
		entry.Name, entry.Key,
	); err != nil {
		return fmt.Errorf("failed to replace cache %s: %w", entry.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO query_caches (name, cache_key, state, entry_json, updated_at, generation)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Name, entry.Key, string(entry.State), string(data), formatTime(entry.UpdatedAt), int64(entry.Generation),
	); err != nil {
		return fmt.Errorf("failed to insert cache %s: %w", entry.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteCache removes a stored entry of at most the given generation.
func (r *SQLRepository) DeleteCache(ctx context.Context, name string, generation uint64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM query_caches WHERE name = $1 AND generation <= $2`,
		name, int64(generation),
	); err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return nil
}

// ListCaches returns every stored entry ordered by name.
func (r *SQLRepository) ListCaches(ctx context.Context) ([]cache.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, entry_json FROM query_caches`)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	entries := []cache.Entry{}
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan cache: %w", err)
		}
		var entry cache.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode cache %s: %w", name, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating caches: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// CheckConnectivity pings the database.
func (r *SQLRepository) CheckConnectivity(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return errors.NewDatabaseUnavailable(err)
	}
	return nil
}

func encodeColumns(cols []catalog.Column) (string, error) {
	if cols == nil {
		cols = []catalog.Column{}
	}
	data, err := json.Marshal(cols)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
