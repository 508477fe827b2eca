// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"strings"
	"sync"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/errors"
)

// Fake records every statement it receives. Query answers with a single
// row holding the statement text unless a result or failure is configured
// for it.
type Fake struct {
	mu        sync.Mutex
	name      string
	queries   []string
	execs     []string
	results   map[string]*backend.Result
	failures  map[string]error
	failAll   error
	closed    bool
	pingError error
	pingFails int
	pings     int
}

// New creates a Fake named "fake".
func New() *Fake {
	return &Fake{
		name:     "fake",
		results:  make(map[string]*backend.Result),
		failures: make(map[string]error),
	}
}

// SetResult makes Query return r for sql.
func (f *Fake) SetResult(sql string, r *backend.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[sql] = r
}

// FailOn makes any statement containing substr fail with err.
func (f *Fake) FailOn(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[substr] = err
}

// FailAll makes every statement fail with err. A nil err clears it.
func (f *Fake) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// SetPingError makes Ping fail with err.
func (f *Fake) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingError = err
}

// FailPings makes the next n pings fail with err.
func (f *Fake) FailPings(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingFails = n
	f.pingError = err
}

// Pings returns how many times Ping was called.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Queries returns every statement passed to Query.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// Execs returns every statement passed to Exec.
func (f *Fake) Execs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

// Reset forgets recorded statements.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = nil
	f.execs = nil
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) failure(sql string) error {
	if f.closed {
		return errors.NewBackendUnavailable(f.name, "connection is closed")
	}
	if f.failAll != nil {
		return errors.NewBackendFailed(f.name, f.failAll)
	}
	for substr, err := range f.failures {
		if strings.Contains(sql, substr) {
			return errors.NewBackendFailed(f.name, err)
		}
	}
	return nil
}

func (f *Fake) Query(ctx context.Context, sql string) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if err := ctx.Err(); err != nil {
		return nil, errors.NewBackendFailed(f.name, err)
	}
	if err := f.failure(sql); err != nil {
		return nil, err
	}
	if r, ok := f.results[sql]; ok {
		return r, nil
	}
	return &backend.Result{
		Columns:  []string{"sql"},
		Rows:     [][]interface{}{{sql}},
		RowCount: 1,
	}, nil
}

func (f *Fake) Exec(ctx context.Context, sql string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	if err := ctx.Err(); err != nil {
		return 0, errors.NewBackendFailed(f.name, err)
	}
	if err := f.failure(sql); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.closed {
		return errors.NewBackendUnavailable(f.name, "connection is closed")
	}
	if f.pingError != nil {
		err := errors.NewBackendFailed(f.name, f.pingError)
		if f.pingFails > 0 {
			f.pingFails--
			if f.pingFails == 0 {
				f.pingError = nil
			}
		}
		return err
	}
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ backend.Backend = (*Fake)(nil)
