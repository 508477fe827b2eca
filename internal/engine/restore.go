package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/sql"
)

// RestoreResult counts restored cache entries by state.
type RestoreResult struct {
	Valid int `json:"valid"`
	Stale int `json:"stale"`
}

// restoreConcurrency bounds how many stored entries are re-resolved at once.
const restoreConcurrency = 8

// Restore loads persisted cache entries. Each entry stored Valid is
// resolved again under the search path it was stored with: an unchanged
// resolution keeps it Valid, anything else brings it back Stale. Entries
// stored Stale or Fallback keep their state until they are recreated.
func (e *Engine) Restore(ctx context.Context, stored []cache.Entry) (*RestoreResult, error) {
	snap := e.catalog.Snapshot()
	restored := make([]cache.Entry, len(stored))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for i := range stored {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			restored[i] = e.revalidate(stored[i], snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("engine: restore caches: %w", err)
	}

	result := &RestoreResult{}
	for _, entry := range restored {
		if err := e.cache.Load(entry); err != nil {
			return result, fmt.Errorf("engine: restore cache %s: %w", entry.Name, err)
		}
		if entry.State == cache.StateValid {
			result.Valid++
		} else {
			result.Stale++
		}
	}
	e.logger.WithField("valid", result.Valid).WithField("stale", result.Stale).Info("restored query caches")
	return result, nil
}

func (e *Engine) revalidate(entry cache.Entry, snap *catalog.Snapshot) cache.Entry {
	if entry.State != cache.StateValid {
		return entry
	}
	stale := func(reason string) cache.Entry {
		entry.State = cache.StateStale
		entry.StaleReason = reason
		entry.UpdatedAt = time.Now().UTC()
		return entry
	}
	if entry.Resolution == nil {
		return stale("stored without a resolution")
	}

	q, err := sql.ParseQuery(entry.QueryText)
	if err != nil {
		return stale("stored query no longer parses: " + firstLine(err.Error()))
	}
	fresh, err := e.resolver.ResolveQuery(q, entry.Resolution.SearchPath, snap)
	if err != nil {
		return stale("resolution failed after restart: " + firstLine(err.Error()))
	}
	if !entry.Resolution.SameBindings(fresh) {
		return stale(fmt.Sprintf("resolution under search path %s changed after restart", fresh.SearchPath))
	}

	entry.Resolution = fresh
	entry.UpdatedAt = time.Now().UTC()
	return entry
}

// SyncCatalog imports schemas and tables from src into the catalog.
// Imported tables invalidate cache entries like any other DDL.
func (e *Engine) SyncCatalog(ctx context.Context, src catalog.Source, opts catalog.SyncOptions) (*catalog.SyncResult, error) {
	result, err := catalog.Sync(ctx, src, e.catalog, opts)
	if err != nil {
		return result, err
	}
	e.logger.WithField("schemas", result.SchemasCreated).WithField("tables", result.TablesCreated).
		Info("catalog synced from backend")
	return result, nil
}
