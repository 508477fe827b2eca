package catalog

import (
	"context"
	"fmt"
)

// Source is an upstream metadata source the catalog can be seeded from,
// typically the backend's information_schema.
type Source interface {
	// Name returns the source identifier (e.g., "duckdb", "postgres").
	Name() string

	// ListSchemas returns all user schemas.
	ListSchemas(ctx context.Context) ([]string, error)

	// ListTables returns all tables in a schema.
	ListTables(ctx context.Context, schema string) ([]TableInfo, error)

	// GetTable returns the column layout of a table.
	GetTable(ctx context.Context, schema, table string) (*TableMetadata, error)

	// CheckConnectivity verifies the source is reachable.
	CheckConnectivity(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// TableInfo is a lightweight table reference returned by ListTables.
type TableInfo struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// FullName returns the schema-qualified table name.
func (t TableInfo) FullName() string {
	return t.Schema + "." + t.Name
}

// TableMetadata is the detailed layout returned by GetTable.
type TableMetadata struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SyncOptions filters what Sync imports.
type SyncOptions struct {
	// IncludeSchemas limits the import to these schemas (empty = all).
	IncludeSchemas []string

	// ExcludeSchemas are never imported. System schemas are always excluded.
	ExcludeSchemas []string
}

// SyncResult summarizes an import.
type SyncResult struct {
	SchemasCreated int      `json:"schemas_created"`
	TablesCreated  int      `json:"tables_created"`
	TablesSkipped  int      `json:"tables_skipped"`
	Errors         []string `json:"errors,omitempty"`
}

var systemSchemas = map[string]bool{
	"information_schema": true,
	"pg_catalog":         true,
	"pg_toast":           true,
}

// Sync imports schemas and tables from src that the catalog does not yet
// know. Existing tables are left untouched. Each import is an ordinary
// catalog mutation, so subscribers see it like any other DDL.
func Sync(ctx context.Context, src Source, cat *Catalog, opts SyncOptions) (*SyncResult, error) {
	if err := src.CheckConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("catalog: sync from %s: %w", src.Name(), err)
	}

	schemas, err := src.ListSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: list schemas from %s: %w", src.Name(), err)
	}

	include := toSet(opts.IncludeSchemas)
	exclude := toSet(opts.ExcludeSchemas)

	result := &SyncResult{}
	for _, schema := range schemas {
		if systemSchemas[schema] || exclude[schema] {
			continue
		}
		if len(include) > 0 && !include[schema] {
			continue
		}

		m, err := cat.CreateSchema(ctx, schema, true)
		if err != nil {
			return result, err
		}
		if m != nil {
			result.SchemasCreated++
		}

		tables, err := src.ListTables(ctx, schema)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", schema, err))
			continue
		}
		for _, info := range tables {
			if _, exists := cat.Lookup(schema, info.Name); exists {
				result.TablesSkipped++
				continue
			}
			meta, err := src.GetTable(ctx, schema, info.Name)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", info.FullName(), err))
				continue
			}
			m, err := cat.CreateTable(ctx, TableName{Schema: schema, Name: info.Name}, meta.Columns, true)
			if err != nil {
				return result, err
			}
			if m != nil {
				result.TablesCreated++
			} else {
				result.TablesSkipped++
			}
		}
	}
	return result, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
