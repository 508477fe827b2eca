// Package errors provides explicit, human-readable error types for querycache.
// All errors must include a Reason and Suggestion for actionable feedback.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// QueryError is the base error type for all querycache errors.
// Every error must provide a human-readable reason and suggestion.
type QueryError struct {
	Code       ErrorCode
	Message    string
	Reason     string
	Suggestion string
	Cause      error
}

// ErrorCode represents the category of error for exit code mapping.
type ErrorCode int

const (
	CodeValidation ErrorCode = 1
	CodeAuth       ErrorCode = 2
	CodeEngine     ErrorCode = 3
	CodeInternal   ErrorCode = 4
	CodeNotFound   ErrorCode = 5
	CodeConflict   ErrorCode = 6
	CodeStale      ErrorCode = 7
)

func (e *QueryError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s\nReason: %s", msg, e.Reason)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s\nSuggestion: %s", msg, e.Suggestion)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s\nCaused by: %v", msg, e.Cause)
	}
	return msg
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Base returns the embedded QueryError. It lets callers treat every typed
// error uniformly through the Coded interface.
func (e *QueryError) Base() *QueryError {
	return e
}

// Coded is implemented by every typed error in this package.
type Coded interface {
	error
	Base() *QueryError
}

// CodeOf returns the error code carried by err, or CodeInternal for errors
// that did not originate in this package.
func CodeOf(err error) ErrorCode {
	var c Coded
	if stderrors.As(err, &c) {
		return c.Base().Code
	}
	return CodeInternal
}

// BaseOf returns the QueryError carried by err, if any.
func BaseOf(err error) (*QueryError, bool) {
	var c Coded
	if stderrors.As(err, &c) {
		return c.Base(), true
	}
	return nil, false
}

// ErrTableNotFound is returned when a table reference does not resolve.
// It is the NotFound outcome of name resolution.
type ErrTableNotFound struct {
	QueryError
	Table      string
	SearchPath []string
}

// NewTableNotFound creates a new ErrTableNotFound. searchPath is the path
// that was scanned, empty for qualified references.
func NewTableNotFound(table string, searchPath []string) *ErrTableNotFound {
	reason := "no table with this name exists in the referenced schema"
	if len(searchPath) > 0 {
		reason = fmt.Sprintf("no schema on search_path [%s] contains this table", strings.Join(searchPath, ", "))
	}
	return &ErrTableNotFound{
		QueryError: QueryError{
			Code:       CodeNotFound,
			Message:    fmt.Sprintf("relation not found: %s", table),
			Reason:     reason,
			Suggestion: "check the table name, qualify it with its schema, or adjust search_path",
		},
		Table:      table,
		SearchPath: searchPath,
	}
}

// ErrSchemaNotFound is returned when a referenced schema does not exist.
type ErrSchemaNotFound struct {
	QueryError
	Schema string
}

// NewSchemaNotFound creates a new ErrSchemaNotFound.
func NewSchemaNotFound(schema string) *ErrSchemaNotFound {
	return &ErrSchemaNotFound{
		QueryError: QueryError{
			Code:       CodeNotFound,
			Message:    fmt.Sprintf("schema not found: %s", schema),
			Reason:     "no schema registered with this name",
			Suggestion: fmt.Sprintf("create it with 'CREATE SCHEMA %s'", schema),
		},
		Schema: schema,
	}
}

// ErrAmbiguousTable is returned when two bindings of the same name exist at
// one scope level and resolution cannot order them.
type ErrAmbiguousTable struct {
	QueryError
	Table   string
	Matches []string
}

// NewAmbiguousTable creates a new ErrAmbiguousTable.
func NewAmbiguousTable(table string, matches []string) *ErrAmbiguousTable {
	return &ErrAmbiguousTable{
		QueryError: QueryError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("ambiguous table reference: %s", table),
			Reason:     fmt.Sprintf("multiple bindings match at the same scope level: %v", matches),
			Suggestion: "rename one of the WITH bindings or use a fully qualified table name",
		},
		Table:   table,
		Matches: matches,
	}
}

// ErrSchemaAlreadyExists is returned by CREATE SCHEMA on an existing schema.
type ErrSchemaAlreadyExists struct {
	QueryError
	Schema string
}

// NewSchemaAlreadyExists creates a new ErrSchemaAlreadyExists.
func NewSchemaAlreadyExists(schema string) *ErrSchemaAlreadyExists {
	return &ErrSchemaAlreadyExists{
		QueryError: QueryError{
			Code:       CodeConflict,
			Message:    fmt.Sprintf("schema already exists: %s", schema),
			Reason:     "schema names are unique within the catalog",
			Suggestion: "use 'CREATE SCHEMA IF NOT EXISTS' or pick another name",
		},
		Schema: schema,
	}
}

// ErrSchemaNotEmpty is returned by DROP SCHEMA without CASCADE on a schema
// that still holds tables.
type ErrSchemaNotEmpty struct {
	QueryError
	Schema string
	Tables []string
}

// NewSchemaNotEmpty creates a new ErrSchemaNotEmpty.
func NewSchemaNotEmpty(schema string, tables []string) *ErrSchemaNotEmpty {
	return &ErrSchemaNotEmpty{
		QueryError: QueryError{
			Code:       CodeConflict,
			Message:    fmt.Sprintf("cannot drop schema %s", schema),
			Reason:     fmt.Sprintf("schema still contains tables: %v", tables),
			Suggestion: fmt.Sprintf("drop the tables first or use 'DROP SCHEMA %s CASCADE'", schema),
		},
		Schema: schema,
		Tables: tables,
	}
}

// ErrTableAlreadyExists is returned by CREATE TABLE or RENAME on a taken name.
type ErrTableAlreadyExists struct {
	QueryError
	Table string
}

// NewTableAlreadyExists creates a new ErrTableAlreadyExists.
func NewTableAlreadyExists(table string) *ErrTableAlreadyExists {
	return &ErrTableAlreadyExists{
		QueryError: QueryError{
			Code:       CodeConflict,
			Message:    fmt.Sprintf("table already exists: %s", table),
			Reason:     "table names are unique within a schema",
			Suggestion: "use 'CREATE TABLE IF NOT EXISTS' or drop the existing table first",
		},
		Table: table,
	}
}

// ErrColumnAlreadyExists is returned by ALTER TABLE ... ADD COLUMN on a taken name.
type ErrColumnAlreadyExists struct {
	QueryError
	Table  string
	Column string
}

// NewColumnAlreadyExists creates a new ErrColumnAlreadyExists.
func NewColumnAlreadyExists(table, column string) *ErrColumnAlreadyExists {
	return &ErrColumnAlreadyExists{
		QueryError: QueryError{
			Code:       CodeConflict,
			Message:    fmt.Sprintf("column %s already exists in %s", column, table),
			Reason:     "column names are unique within a table",
			Suggestion: "pick another column name",
		},
		Table:  table,
		Column: column,
	}
}

// ErrColumnNotFound is returned by ALTER TABLE ... DROP COLUMN on a missing column.
type ErrColumnNotFound struct {
	QueryError
	Table  string
	Column string
}

// NewColumnNotFound creates a new ErrColumnNotFound.
func NewColumnNotFound(table, column string) *ErrColumnNotFound {
	return &ErrColumnNotFound{
		QueryError: QueryError{
			Code:       CodeNotFound,
			Message:    fmt.Sprintf("column %s does not exist in %s", column, table),
			Reason:     "the table has no column with this name",
			Suggestion: "inspect the table with 'querycache catalog show'",
		},
		Table:  table,
		Column: column,
	}
}

// ErrEmptySearchPath is returned when an unqualified object must be created
// but the session has no schema to create it in.
type ErrEmptySearchPath struct {
	QueryError
}

// NewEmptySearchPath creates a new ErrEmptySearchPath.
func NewEmptySearchPath(object string) *ErrEmptySearchPath {
	return &ErrEmptySearchPath{
		QueryError: QueryError{
			Code:       CodeValidation,
			Message:    fmt.Sprintf("no schema has been selected to create %s in", object),
			Reason:     "search_path is empty",
			Suggestion: "qualify the name or run 'SET search_path = <schema>'",
		},
	}
}

// ErrStaleCacheAccess is returned when a cached query is accessed after its
// dependencies changed and the cache is configured to surface staleness.
type ErrStaleCacheAccess struct {
	QueryError
	CacheName string
}

// NewStaleCacheAccess creates a new ErrStaleCacheAccess.
func NewStaleCacheAccess(cacheName, reason string) *ErrStaleCacheAccess {
	return &ErrStaleCacheAccess{
		QueryError: QueryError{
			Code:       CodeStale,
			Message:    fmt.Sprintf("cached query %s is stale", cacheName),
			Reason:     reason,
			Suggestion: "recreate it with 'CREATE CACHE FROM <query>'; later executions are proxied upstream",
		},
		CacheName: cacheName,
	}
}

// ErrCacheNotFound is returned when a named cache does not exist.
type ErrCacheNotFound struct {
	QueryError
	CacheName string
}

// NewCacheNotFound creates a new ErrCacheNotFound.
func NewCacheNotFound(name string) *ErrCacheNotFound {
	return &ErrCacheNotFound{
		QueryError: QueryError{
			Code:       CodeNotFound,
			Message:    fmt.Sprintf("cache not found: %s", name),
			Reason:     "no cached query registered with this name",
			Suggestion: "list caches with 'SHOW CACHES'",
		},
		CacheName: name,
	}
}

// ErrCacheNameConflict is returned when an explicit cache name is already
// used by a different query.
type ErrCacheNameConflict struct {
	QueryError
	CacheName string
}

// NewCacheNameConflict creates a new ErrCacheNameConflict.
func NewCacheNameConflict(name, existingQuery string) *ErrCacheNameConflict {
	return &ErrCacheNameConflict{
		QueryError: QueryError{
			Code:       CodeConflict,
			Message:    fmt.Sprintf("cache name already in use: %s", name),
			Reason:     fmt.Sprintf("the name is bound to: %s", existingQuery),
			Suggestion: fmt.Sprintf("drop it with 'DROP CACHE %s' or choose another name", name),
		},
		CacheName: name,
	}
}

// ErrQueryRejected is returned when a statement is rejected before execution.
type ErrQueryRejected struct {
	QueryError
	Query string
}

// NewQueryRejected creates a new ErrQueryRejected.
func NewQueryRejected(query, reason, suggestion string) *ErrQueryRejected {
	return &ErrQueryRejected{
		QueryError: QueryError{
			Code:       CodeValidation,
			Message:    "query rejected",
			Reason:     reason,
			Suggestion: suggestion,
		},
		Query: query,
	}
}

// ErrBackendFailed is returned when the upstream backend fails a statement.
type ErrBackendFailed struct {
	QueryError
	Backend string
}

// NewBackendFailed creates a new ErrBackendFailed.
func NewBackendFailed(backend string, cause error) *ErrBackendFailed {
	return &ErrBackendFailed{
		QueryError: QueryError{
			Code:       CodeEngine,
			Message:    fmt.Sprintf("backend %s failed to execute statement", backend),
			Reason:     "the upstream engine returned an error",
			Suggestion: "check backend health with 'querycache status'",
			Cause:      cause,
		},
		Backend: backend,
	}
}

// NewBackendUnavailable is returned when no backend is configured or reachable.
func NewBackendUnavailable(backend, reason string) *ErrBackendFailed {
	return &ErrBackendFailed{
		QueryError: QueryError{
			Code:       CodeEngine,
			Message:    fmt.Sprintf("backend %s unavailable", backend),
			Reason:     reason,
			Suggestion: "check backend.driver and backend.dsn in the configuration",
		},
		Backend: backend,
	}
}

// ErrAuthFailed is returned when authentication fails.
type ErrAuthFailed struct {
	QueryError
}

// NewAuthFailed creates a new ErrAuthFailed.
func NewAuthFailed(reason string) *ErrAuthFailed {
	return &ErrAuthFailed{
		QueryError: QueryError{
			Code:       CodeAuth,
			Message:    "authentication failed",
			Reason:     reason,
			Suggestion: "pass a valid token with --token or QUERYCACHE_AUTH_TOKEN",
		},
	}
}

// NewAuthExpired is returned when the auth token has expired.
func NewAuthExpired() *ErrAuthFailed {
	return &ErrAuthFailed{
		QueryError: QueryError{
			Code:       CodeAuth,
			Message:    "authentication expired",
			Reason:     "token has expired",
			Suggestion: "request a new token from the gateway operator",
		},
	}
}

// ErrAccessDenied is returned when an authenticated user lacks permission
// for a statement kind.
type ErrAccessDenied struct {
	QueryError
	User      string
	Statement string
}

// NewAccessDenied creates a new ErrAccessDenied.
func NewAccessDenied(user, statement string) *ErrAccessDenied {
	return &ErrAccessDenied{
		QueryError: QueryError{
			Code:       CodeAuth,
			Message:    fmt.Sprintf("access denied: %s may not run %s", user, statement),
			Reason:     "none of the user's roles grants this statement kind",
			Suggestion: "ask an administrator to grant the required role",
		},
		User:      user,
		Statement: statement,
	}
}

// ErrSessionNotFound is returned when a gateway session id is unknown.
type ErrSessionNotFound struct {
	QueryError
	SessionID string
}

// NewSessionNotFound creates a new ErrSessionNotFound.
func NewSessionNotFound(id string) *ErrSessionNotFound {
	return &ErrSessionNotFound{
		QueryError: QueryError{
			Code:       CodeNotFound,
			Message:    fmt.Sprintf("session not found: %s", id),
			Reason:     "the session was closed or never opened",
			Suggestion: "open a new session",
		},
		SessionID: id,
	}
}

// ErrDatabaseUnavailable is returned when the durable store cannot be reached.
type ErrDatabaseUnavailable struct {
	QueryError
}

// NewDatabaseUnavailable creates a new ErrDatabaseUnavailable.
func NewDatabaseUnavailable(cause error) *ErrDatabaseUnavailable {
	return &ErrDatabaseUnavailable{
		QueryError: QueryError{
			Code:       CodeInternal,
			Message:    "metadata store unavailable",
			Reason:     "could not reach the configured storage database",
			Suggestion: "check storage.driver and storage.dsn",
			Cause:      cause,
		},
	}
}

// ErrMigrationFailed is returned when a schema migration cannot be applied.
type ErrMigrationFailed struct {
	QueryError
	Version string
}

// NewMigrationFailed creates a new ErrMigrationFailed.
func NewMigrationFailed(version string, cause error) *ErrMigrationFailed {
	return &ErrMigrationFailed{
		QueryError: QueryError{
			Code:       CodeInternal,
			Message:    fmt.Sprintf("migration %s failed", version),
			Reason:     "the migration statement was rejected by the storage database",
			Suggestion: "inspect the schema_migrations table and the migration file",
			Cause:      cause,
		},
		Version: version,
	}
}

// ErrGatewayUnavailable is returned by the CLI when the gateway cannot be reached.
type ErrGatewayUnavailable struct {
	QueryError
	Endpoint string
}

// NewGatewayUnavailable creates a new ErrGatewayUnavailable.
func NewGatewayUnavailable(endpoint string, cause error) *ErrGatewayUnavailable {
	return &ErrGatewayUnavailable{
		QueryError: QueryError{
			Code:       CodeEngine,
			Message:    fmt.Sprintf("gateway unavailable at %s", endpoint),
			Reason:     "the HTTP request did not complete",
			Suggestion: "start the gateway or run the command with --local",
			Cause:      cause,
		},
		Endpoint: endpoint,
	}
}

// ErrBootstrap is returned when a bootstrap file is invalid or cannot be
// applied.
type ErrBootstrap struct {
	QueryError
}

// NewBootstrapError creates a new ErrBootstrap.
func NewBootstrapError(message, reason, suggestion string) *ErrBootstrap {
	return &ErrBootstrap{
		QueryError: QueryError{
			Code:       CodeValidation,
			Message:    message,
			Reason:     reason,
			Suggestion: suggestion,
		},
	}
}
