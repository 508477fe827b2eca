// Package storage persists the schema catalog and the query cache so that
// both survive a restart.
//
// The catalog is journaled: every mutation is written before it is
// published, so the stored catalog never runs ahead of or behind what
// sessions observed. Cache entries are written after each transition.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
)

// Repository stores catalog and cache state. Implementations must be
// safe for concurrent use and honour context cancellation.
type Repository interface {
	// Append journals a catalog mutation. An error aborts the mutation.
	Append(ctx context.Context, m catalog.Mutation) error

	// Seed records the default schema of a store that has never seen a
	// mutation. It is a no-op on a store with history.
	Seed(ctx context.Context, defaultSchema string) error

	// LoadCatalog returns the stored catalog.
	LoadCatalog(ctx context.Context) (*CatalogState, error)

	// SaveCache inserts or replaces a cache entry. A stored entry with the
	// same name or key and a higher generation wins: the write is skipped.
	SaveCache(ctx context.Context, entry cache.Entry) error

	// DeleteCache removes the entry called name unless it was stored at a
	// generation above generation. A missing entry is not an error.
	DeleteCache(ctx context.Context, name string, generation uint64) error

	// ListCaches returns every stored entry. Returns an empty slice (not
	// nil) when there are none.
	ListCaches(ctx context.Context) ([]cache.Entry, error)

	// CheckConnectivity verifies that the store is reachable.
	CheckConnectivity(ctx context.Context) error
}

var _ catalog.Journal = Repository(nil)

// CatalogState is the persisted catalog.
type CatalogState struct {
	Version uint64
	Schemas []string
	Tables  []*catalog.Table
}

// Drivers supported by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to a store and verifies connectivity.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage: %s requires a dsn", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.NewDatabaseUnavailable(err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases from splitting across connections.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.NewDatabaseUnavailable(err)
	}
	return db, nil
}

// RestoreCatalog loads the stored catalog into cat. A store without
// history leaves cat as created.
func RestoreCatalog(ctx context.Context, repo Repository, cat *catalog.Catalog) (*CatalogState, error) {
	if err := repo.Seed(ctx, cat.DefaultSchema()); err != nil {
		return nil, err
	}
	state, err := repo.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if state.Version == 0 {
		return state, nil
	}
	if err := cat.Restore(state.Schemas, state.Tables, state.Version); err != nil {
		return nil, err
	}
	return state, nil
}

var nowUTC = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
