// Package backend defines the interface to the upstream SQL engine that
// cached queries are materialized from and that uncached statements pass
// through to.
//
// Backends are thin. They run the SQL they are handed, which has already
// been schema-qualified, and propagate every error.
package backend

import (
	"context"
	"sort"
	"sync"
)

// Result is the result of a query.
type Result struct {
	// Columns are the column names in the result.
	Columns []string `json:"columns"`

	// Rows are the result rows, each row is a slice of values.
	Rows [][]interface{} `json:"rows"`

	// RowCount is the number of rows returned, or affected for a write.
	RowCount int `json:"row_count"`
}

// Backend is the interface every upstream engine implements.
type Backend interface {
	// Name returns the unique name of this backend.
	Name() string

	// Query runs a statement that returns rows.
	Query(ctx context.Context, sql string) (*Result, error)

	// Exec runs a statement that returns no rows and reports how many rows
	// it affected.
	Exec(ctx context.Context, sql string) (int64, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Registry manages the configured backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend, replacing any backend of the same name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Available returns the registered backend names in order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PingAll pings every backend. A nil value means the backend is healthy.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make(map[string]error, len(r.backends))
	for name, b := range r.backends {
		results[name] = b.Ping(ctx)
	}
	return results
}

// CloseAll closes every backend and returns the last error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
