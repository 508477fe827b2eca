// Package models provides the request and response bodies of the
// querycache gateway API.
package models

import (
	"time"
)

// OpenSessionRequest opens a session. An empty SearchPath uses the
// gateway's default schema.
type OpenSessionRequest struct {
	SearchPath []string `json:"search_path,omitempty"`
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID              string    `json:"id"`
	User            string    `json:"user"`
	SearchPath      []string  `json:"search_path"`
	ObservedVersion uint64    `json:"observed_version"`
	LastUsed        time.Time `json:"last_used"`
}

// StatementRequest runs one statement. Without a SessionID the statement
// runs in a throwaway session using SearchPath.
type StatementRequest struct {
	SessionID  string   `json:"session_id,omitempty"`
	SQL        string   `json:"sql"`
	SearchPath []string `json:"search_path,omitempty"`
}

// StatementResponse is the outcome of a statement.
type StatementResponse struct {
	StatementID    string          `json:"statement_id"`
	Kind           string          `json:"kind"`
	Destination    string          `json:"destination"`
	CacheName      string          `json:"cache_name,omitempty"`
	CacheState     string          `json:"cache_state,omitempty"`
	Fallback       bool            `json:"fallback,omitempty"`
	Columns        []string        `json:"columns,omitempty"`
	Rows           [][]interface{} `json:"rows,omitempty"`
	RowCount       int             `json:"row_count"`
	Message        string          `json:"message,omitempty"`
	Tables         []string        `json:"tables,omitempty"`
	CatalogVersion uint64          `json:"catalog_version"`
	Duration       string          `json:"duration"`
}

// CacheInfo describes a cache entry.
type CacheInfo struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Query        string    `json:"query"`
	QualifiedSQL string    `json:"qualified_sql,omitempty"`
	Dependencies []string  `json:"dependencies"`
	SearchPath   []string  `json:"search_path"`
	Backend      string    `json:"backend,omitempty"`
	Hits         uint64    `json:"hits"`
	Fallbacks    uint64    `json:"fallbacks"`
	StaleReason  string    `json:"stale_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CachesResponse lists cache entries.
type CachesResponse struct {
	Caches []CacheInfo `json:"caches"`
}

// ColumnInfo describes a column.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableInfo describes a catalog table.
type TableInfo struct {
	Schema    string       `json:"schema"`
	Name      string       `json:"name"`
	Columns   []ColumnInfo `json:"columns"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SchemaInfo describes a catalog schema.
type SchemaInfo struct {
	Name   string      `json:"name"`
	Tables []TableInfo `json:"tables"`
}

// CatalogResponse is the catalog at one version.
type CatalogResponse struct {
	Version uint64       `json:"version"`
	Schemas []SchemaInfo `json:"schemas"`
}

// AuthStatus is the API response for authentication status.
type AuthStatus struct {
	Authenticated bool      `json:"authenticated"`
	UserID        string    `json:"user_id,omitempty"`
	UserName      string    `json:"user_name,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// ErrorResponse is the API response for errors.
type ErrorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	Code       int    `json:"code"`
}
