package infoschema

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/canonica-labs/querycache/internal/catalog"
)

// newInformationSchemaDB builds an sqlite database with an attached
// information_schema that mimics the postgres/duckdb layout.
func newInformationSchemaDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		"ATTACH DATABASE ':memory:' AS information_schema",
		"CREATE TABLE information_schema.schemata (schema_name TEXT)",
		"CREATE TABLE information_schema.tables (table_schema TEXT, table_name TEXT, table_type TEXT)",
		`CREATE TABLE information_schema.columns (table_schema TEXT, table_name TEXT, column_name TEXT,
			data_type TEXT, is_nullable TEXT, ordinal_position INTEGER)`,
		"INSERT INTO information_schema.schemata VALUES ('analytics'), ('information_schema'), ('public')",
		`INSERT INTO information_schema.tables VALUES
			('analytics', 'events', 'BASE TABLE'),
			('analytics', 'daily', 'VIEW'),
			('public', 'users', 'BASE TABLE')`,
		`INSERT INTO information_schema.columns VALUES
			('analytics', 'events', 'id', 'BIGINT', 'NO', 1),
			('analytics', 'events', 'payload', 'VARCHAR', 'YES', 2),
			('public', 'users', 'name', 'TEXT', 'YES', 2),
			('public', 'users', 'id', 'INTEGER', 'NO', 1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("setup %q: %v", stmt, err)
		}
	}
	return db
}

func TestSourceListsBaseTables(t *testing.T) {
	src, err := New(Config{Name: "sqlite", DB: newInformationSchemaDB(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tables, err := src.ListTables(ctx, "analytics")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0].FullName() != "analytics.events" {
		t.Errorf("expected only analytics.events, got %v", tables)
	}

	meta, err := src.GetTable(ctx, "public", "users")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if len(meta.Columns) != 2 || meta.Columns[0].Name != "id" || meta.Columns[1].Name != "name" {
		t.Fatalf("expected columns in ordinal order, got %+v", meta.Columns)
	}
	if meta.Columns[0].Nullable || !meta.Columns[1].Nullable {
		t.Errorf("nullability not mapped: %+v", meta.Columns)
	}
	if meta.Columns[0].Type != "integer" {
		t.Errorf("expected lower-cased type, got %q", meta.Columns[0].Type)
	}
}

func TestSyncImportsIntoCatalog(t *testing.T) {
	src, err := New(Config{Name: "sqlite", DB: newInformationSchemaDB(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cat := catalog.New(catalog.Options{})

	result, err := catalog.Sync(context.Background(), src, cat, catalog.SyncOptions{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.SchemasCreated != 1 {
		t.Errorf("expected analytics to be created (public pre-exists), got %d", result.SchemasCreated)
	}
	if result.TablesCreated != 2 {
		t.Errorf("expected 2 tables, got %d", result.TablesCreated)
	}
	if cat.Snapshot().HasSchema("information_schema") {
		t.Error("system schema must not be imported")
	}
	if _, ok := cat.Lookup("analytics", "events"); !ok {
		t.Error("analytics.events missing after sync")
	}

	again, err := catalog.Sync(context.Background(), src, cat, catalog.SyncOptions{})
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if again.TablesCreated != 0 || again.TablesSkipped != 2 {
		t.Errorf("second sync should skip everything, got %+v", again)
	}
}

func TestClosedSourceRejectsCalls(t *testing.T) {
	src, err := New(Config{DB: newInformationSchemaDB(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src.Close()
	if _, err := src.ListSchemas(context.Background()); err == nil {
		t.Error("expected error from closed source")
	}
}

func TestNewRequiresDB(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without DB")
	}
}
