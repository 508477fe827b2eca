package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/storage"
)

func sampleEntries() []observability.StatementLogEntry {
	return []observability.StatementLogEntry{
		{StatementID: "s1", User: "alice", Kind: "SELECT", Tables: []string{"sales.orders"}, Destination: "cache", CacheName: "hot", CacheState: "valid", Outcome: observability.OutcomeSuccess},
		{StatementID: "s2", User: "alice", Kind: "SELECT", Tables: []string{"sales.orders"}, Destination: "upstream", CacheName: "hot", CacheState: "fallback", Fallback: true, Outcome: observability.OutcomeSuccess},
		{StatementID: "s3", User: "bob", Kind: "SELECT", Tables: []string{"public.users"}, Destination: "upstream", Outcome: observability.OutcomeSuccess, Duration: 3 * time.Millisecond},
		{StatementID: "s4", User: "bob", Kind: "SELECT", Outcome: observability.OutcomeError, Error: "relation not found: nope"},
		{StatementID: "s5", User: "bob", Kind: "SELECT", Outcome: observability.OutcomeError, Error: "relation not found: nope"},
	}
}

func checkSummary(t *testing.T, s *observability.Summary) {
	t.Helper()
	if s.Statements != 5 || s.CacheHits != 1 || s.Fallbacks != 1 || s.Upstream != 1 || s.Errors != 2 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.TopErrors) != 1 || s.TopErrors[0].Count != 2 {
		t.Errorf("top errors = %+v", s.TopErrors)
	}
	if len(s.TopTables) != 2 || s.TopTables[0].Table != "sales.orders" || s.TopTables[0].Count != 2 {
		t.Errorf("top tables = %+v", s.TopTables)
	}
}

// ============== Entry validation ==============

func TestEntryValidate(t *testing.T) {
	testCases := []struct {
		name    string
		entry   observability.StatementLogEntry
		wantErr bool
	}{
		{"complete", observability.StatementLogEntry{StatementID: "s", User: "u"}, false},
		{"missing id", observability.StatementLogEntry{User: "u"}, true},
		{"missing user", observability.StatementLogEntry{StatementID: "s"}, true},
		{"negative duration", observability.StatementLogEntry{StatementID: "s", User: "u", Duration: -time.Second}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ============== JSON logger ==============

func TestJSONLoggerWritesLinesAndSummarizes(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewJSONLogger(&buf)
	for _, e := range sampleEntries() {
		if err := logger.LogStatement(context.Background(), e); err != nil {
			t.Fatalf("LogStatement: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if first["statement_id"] != "s1" || first["cache_name"] != "hot" {
		t.Errorf("first line = %v", first)
	}

	checkSummary(t, logger.Summary(context.Background()))
}

func TestJSONLoggerRejectsInvalidEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewJSONLogger(&buf)
	if err := logger.LogStatement(context.Background(), observability.StatementLogEntry{User: "u"}); err == nil {
		t.Fatal("expected error for missing statement_id")
	}
	if buf.Len() != 0 {
		t.Error("invalid entry was written")
	}
}

func TestNoopLoggerSummaryIsEmpty(t *testing.T) {
	s := observability.NewNoopLogger().Summary(context.Background())
	if s.Statements != 0 || s.TopErrors == nil || s.TopTables == nil {
		t.Errorf("summary = %+v, want zero counts and empty slices", s)
	}
}

// ============== Persistent logger ==============

func TestPersistentLoggerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "log.db")

	db, err := storage.Open(ctx, storage.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := storage.NewMigrationRunner(db, observability.DiscardLogger()).Run(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	logger, err := observability.NewPersistentLogger(db, nil)
	if err != nil {
		t.Fatalf("NewPersistentLogger: %v", err)
	}
	for _, e := range sampleEntries() {
		if err := logger.LogStatement(ctx, e); err != nil {
			t.Fatalf("LogStatement: %v", err)
		}
	}
	if err := logger.LogStatement(ctx, sampleEntries()[0]); err == nil {
		t.Error("expected duplicate statement_id to fail")
	}
	db.Close()

	reopened, err := storage.Open(ctx, storage.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	again, _ := observability.NewPersistentLogger(reopened, nil)
	checkSummary(t, again.Summary(ctx))
}

func TestPersistentLoggerRequiresDB(t *testing.T) {
	if _, err := observability.NewPersistentLogger(nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

// ============== Operational logger ==============

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := observability.NewLogger("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.WithField("cache", "hot").Debug("invalidated")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if line["cache"] != "hot" || line["msg"] != "invalidated" {
		t.Errorf("line = %v", line)
	}

	if _, err := observability.NewLogger("loud", "json", &buf); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := observability.NewLogger("info", "xml", &buf); err == nil {
		t.Error("expected error for unknown format")
	}
}
