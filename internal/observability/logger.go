// Package observability provides structured statement logging.
//
// Every statement emits: statement_id, session, user, kind, tables
// referenced, destination, cache name and state, duration, outcome, and
// error (if any).
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Outcomes of a statement.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// StatementLogEntry contains the fields logged for every statement.
type StatementLogEntry struct {
	// StatementID is the unique identifier for this statement.
	StatementID string

	SessionID string

	// User is the authenticated user who ran the statement.
	User string

	// Kind is the statement kind, e.g. "SELECT" or "CREATE CACHE".
	Kind string

	// Tables are the qualified catalog tables the statement resolved to.
	// May be empty for statements like "SELECT 1".
	Tables []string

	// Destination is where the statement was answered: cache, upstream,
	// catalog or session.
	Destination string

	// CacheName and CacheState describe the cache entry involved, if any.
	CacheName  string
	CacheState string

	// Fallback is true when a cached query was answered by direct execution.
	Fallback bool

	Duration time.Duration

	// Outcome is "success", "error" or "rejected".
	Outcome string

	Error string
}

// Validate checks that all required fields are present.
func (e *StatementLogEntry) Validate() error {
	if e.StatementID == "" {
		return fmt.Errorf("observability: statement_id is required")
	}
	if e.User == "" {
		return fmt.Errorf("observability: user is required")
	}
	if e.Duration < 0 {
		return fmt.Errorf("observability: duration cannot be negative")
	}
	return nil
}

// StatementLogger records statements.
type StatementLogger interface {
	// LogStatement records one statement.
	// Returns an error if logging fails or the entry is invalid.
	LogStatement(ctx context.Context, entry StatementLogEntry) error

	// Summary returns aggregated statistics. It never exposes row data.
	Summary(ctx context.Context) *Summary
}

// Summary aggregates logged statements.
type Summary struct {
	Statements int         `json:"statements"`
	CacheHits  int         `json:"cache_hits"`
	Upstream   int         `json:"upstream"`
	Fallbacks  int         `json:"fallbacks"`
	Errors     int         `json:"errors"`
	TopErrors  []ErrorStat `json:"top_errors"`
	TopTables  []TableStat `json:"top_tables"`
}

// ErrorStat counts one error message.
type ErrorStat struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// TableStat counts statements touching one table.
type TableStat struct {
	Table string `json:"table"`
	Count int    `json:"count"`
}

const topN = 5

func emptySummary() *Summary {
	return &Summary{TopErrors: []ErrorStat{}, TopTables: []TableStat{}}
}

// summarize aggregates entries in memory.
func summarize(entries []StatementLogEntry) *Summary {
	summary := emptySummary()
	errorCounts := make(map[string]int)
	tableCounts := make(map[string]int)

	for _, entry := range entries {
		summary.Statements++
		summary.add(entry.Destination, entry.Fallback, entry.Error)
		if entry.Error != "" {
			errorCounts[entry.Error]++
		}
		for _, table := range entry.Tables {
			tableCounts[table]++
		}
	}

	summary.TopErrors = topErrors(errorCounts)
	summary.TopTables = topTables(tableCounts)
	return summary
}

func (s *Summary) add(destination string, fallback bool, errMsg string) {
	if errMsg != "" {
		s.Errors++
		return
	}
	switch {
	case destination == "cache":
		s.CacheHits++
	case fallback:
		s.Fallbacks++
	case destination == "upstream":
		s.Upstream++
	}
}

func topErrors(counts map[string]int) []ErrorStat {
	out := make([]ErrorStat, 0, len(counts))
	for msg, n := range counts {
		out = append(out, ErrorStat{Error: msg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Error < out[j].Error
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func topTables(counts map[string]int) []TableStat {
	out := make([]TableStat, 0, len(counts))
	for table, n := range counts {
		out = append(out, TableStat{Table: table, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Table < out[j].Table
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// jsonLogOutput is the structured format for JSON logs.
type jsonLogOutput struct {
	Timestamp   string   `json:"timestamp"`
	Level       string   `json:"level"`
	StatementID string   `json:"statement_id"`
	SessionID   string   `json:"session_id,omitempty"`
	User        string   `json:"user"`
	Kind        string   `json:"kind"`
	Tables      []string `json:"tables"`
	Destination string   `json:"destination,omitempty"`
	CacheName   string   `json:"cache_name,omitempty"`
	CacheState  string   `json:"cache_state,omitempty"`
	Fallback    bool     `json:"fallback,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	Outcome     string   `json:"outcome,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func encodeEntry(entry StatementLogEntry) ([]byte, error) {
	level := "info"
	if entry.Error != "" {
		level = "error"
	}
	output := jsonLogOutput{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Level:       level,
		StatementID: entry.StatementID,
		SessionID:   entry.SessionID,
		User:        entry.User,
		Kind:        entry.Kind,
		Tables:      entry.Tables,
		Destination: entry.Destination,
		CacheName:   entry.CacheName,
		CacheState:  entry.CacheState,
		Fallback:    entry.Fallback,
		DurationMs:  entry.Duration.Milliseconds(),
		Outcome:     entry.Outcome,
		Error:       entry.Error,
	}
	// Ensure tables is never nil in JSON
	if output.Tables == nil {
		output.Tables = []string{}
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to marshal log: %w", err)
	}
	return append(data, '\n'), nil
}

// JSONLogger writes one JSON object per line and keeps entries in memory
// for Summary.
type JSONLogger struct {
	mu      sync.RWMutex
	writer  io.Writer
	entries []StatementLogEntry
}

// NewJSONLogger creates a new JSON logger writing to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{writer: w}
}

// LogStatement writes entry as JSON.
func (l *JSONLogger) LogStatement(ctx context.Context, entry StatementLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("observability: context error: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("observability: failed to write log: %w", err)
	}
	l.entries = append(l.entries, entry)
	return nil
}

// Summary aggregates the entries logged so far.
func (l *JSONLogger) Summary(ctx context.Context) *Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return summarize(l.entries)
}

// NoopLogger discards all entries.
type NoopLogger struct{}

// NewNoopLogger creates a new no-op logger.
func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (l *NoopLogger) LogStatement(ctx context.Context, entry StatementLogEntry) error {
	return nil
}

func (l *NoopLogger) Summary(ctx context.Context) *Summary {
	return emptySummary()
}

// PersistentLogger stores entries in the statement_log table so the
// summary survives restarts. The SQL is portable between PostgreSQL and
// SQLite.
type PersistentLogger struct {
	db     *sql.DB
	writer io.Writer // optional: also write JSON lines for debugging
}

// NewPersistentLogger creates a logger backed by db.
func NewPersistentLogger(db *sql.DB, w io.Writer) (*PersistentLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("observability: database connection is required for persistent logging")
	}
	return &PersistentLogger{db: db, writer: w}, nil
}

// LogStatement inserts entry into statement_log.
func (l *PersistentLogger) LogStatement(ctx context.Context, entry StatementLogEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("observability: context error: %w", err)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	tablesJSON, err := json.Marshal(entry.Tables)
	if err != nil || entry.Tables == nil {
		tablesJSON = []byte("[]")
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO statement_log (
			statement_id, session_id, user_id, kind, tables_json, destination,
			cache_name, cache_state, fallback, duration_ms, outcome,
			error_message, logged_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		entry.StatementID,
		nullableString(entry.SessionID),
		entry.User,
		entry.Kind,
		string(tablesJSON),
		nullableString(entry.Destination),
		nullableString(entry.CacheName),
		nullableString(entry.CacheState),
		entry.Fallback,
		entry.Duration.Milliseconds(),
		nullableString(entry.Outcome),
		nullableString(entry.Error),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("observability: failed to persist statement log: %w", err)
	}

	if l.writer != nil {
		if data, err := encodeEntry(entry); err == nil {
			l.writer.Write(data)
		}
	}
	return nil
}

// Summary aggregates persisted entries. Failures yield a partial summary.
func (l *PersistentLogger) Summary(ctx context.Context) *Summary {
	summary := emptySummary()

	rows, err := l.db.QueryContext(ctx, `
		SELECT destination, fallback, error_message, tables_json FROM statement_log
	`)
	if err != nil {
		return summary
	}
	defer rows.Close()

	errorCounts := make(map[string]int)
	tableCounts := make(map[string]int)
	for rows.Next() {
		var (
			destination, errMsg sql.NullString
			fallback            bool
			tablesJSON          string
		)
		if rows.Scan(&destination, &fallback, &errMsg, &tablesJSON) != nil {
			continue
		}
		summary.Statements++
		summary.add(destination.String, fallback, errMsg.String)
		if errMsg.String != "" {
			errorCounts[errMsg.String]++
		}
		var tables []string
		if json.Unmarshal([]byte(tablesJSON), &tables) == nil {
			for _, t := range tables {
				tableCounts[t]++
			}
		}
	}

	summary.TopErrors = topErrors(errorCounts)
	summary.TopTables = topTables(tableCounts)
	return summary
}

// nullableString converts empty strings to nil for SQL NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
