package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/resolver"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// snapshot returns a catalog snapshot at least as new as every mutation
// sess has caused.
func (e *Engine) snapshot(sess *session.Session) *catalog.Snapshot {
	snap := e.catalog.Snapshot()
	for snap.Version() < sess.ObservedVersion() {
		snap = e.catalog.Snapshot()
	}
	return snap
}

// execSelect answers a query from its cache entry when the entry is Valid
// and by direct execution otherwise.
func (e *Engine) execSelect(ctx context.Context, sess *session.Session, stmt *sql.Statement, res *Result) error {
	key := stmt.Query.Key()
	entry, cached := e.cache.Get(key)
	if !cached {
		return e.runUpstream(ctx, sess, stmt.Query, res)
	}

	res.CacheName = entry.Name
	res.CacheState = entry.State

	switch entry.State {
	case cache.StateValid:
		served, err := e.serveCached(ctx, entry, res)
		if served || err != nil {
			return err
		}

	case cache.StateStale:
		if e.opts.StaleMode == StaleModeError && e.cache.AcknowledgeStale(key, entry.Generation) {
			return errors.NewStaleCacheAccess(entry.Name, entry.StaleReason)
		}
	}
	return e.fallback(ctx, sess, stmt.Query, entry, res)
}

// serveCached serves entry from its artifact. It reports false when the
// caller has to fall back: the artifact failed, or the entry changed
// while it was being served.
func (e *Engine) serveCached(ctx context.Context, entry cache.Entry, res *Result) (bool, error) {
	result, memoized := e.cache.Recall(entry.Key, entry.Generation)
	if !memoized {
		var err error
		result, err = e.backend.Query(ctx, entry.Artifact.QualifiedSQL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, err
			}
			reason := "serve failed: " + firstLine(err.Error())
			if e.cache.MarkFallback(entry.Key, entry.Generation, reason) {
				e.logger.WithError(err).WithField("cache", entry.Name).Warn("cached query failed to serve, falling back")
				res.CacheState = cache.StateFallback
			}
			return false, nil
		}
	}

	// The entry may have been invalidated while the query ran.
	if !e.cache.StillValid(entry.Key, entry.Generation) {
		e.logger.WithField("cache", entry.Name).Debug("cache entry changed during serve, falling back")
		if cur, ok := e.cache.Get(entry.Key); ok {
			res.CacheState = cur.State
		}
		return false, nil
	}
	if !memoized {
		e.cache.Remember(entry.Key, entry.Generation, result)
	}
	e.cache.RecordHit(entry.Key)

	res.Destination = session.DestinationCache
	res.Tables = entry.Dependencies().Strings()
	setRows(res, result)
	return true, nil
}

// fallback answers a query whose cache entry cannot be served. The query
// is resolved afresh under the session's path; the entry is not touched.
func (e *Engine) fallback(ctx context.Context, sess *session.Session, q *sql.Query, entry cache.Entry, res *Result) error {
	if err := e.runUpstream(ctx, sess, q, res); err != nil {
		return err
	}
	res.Fallback = true
	e.cache.RecordFallback(entry.Key)
	return nil
}

// runUpstream resolves q and runs its qualified form on the backend.
func (e *Engine) runUpstream(ctx context.Context, sess *session.Session, q *sql.Query, res *Result) error {
	resolution, err := e.resolver.ResolveQuery(q, sess.SearchPath().Current(), e.snapshot(sess))
	if err != nil {
		return err
	}
	res.Destination = session.DestinationUpstream
	res.Tables = resolution.Dependencies.Strings()

	result, err := e.backend.Query(ctx, resolution.QualifiedSQL)
	if err != nil {
		return err
	}
	setRows(res, result)
	return nil
}

// createCache registers a query, or recreates its entry, under the
// session's current search path. The query runs once on the backend to
// validate it and to seed the result memo.
func (e *Engine) createCache(ctx context.Context, sess *session.Session, stmt *sql.Statement, res *Result) error {
	q := stmt.Query
	key := q.Key()
	res.Destination = session.DestinationCache
	res.Message = string(sql.KindCreateCache)

	resolution, err := e.resolver.ResolveQuery(q, sess.SearchPath().Current(), e.snapshot(sess))
	if err != nil {
		return err
	}
	res.Tables = resolution.Dependencies.Strings()

	result, err := e.backend.Query(ctx, resolution.QualifiedSQL)
	if err != nil {
		return err
	}
	art := cache.Artifact{
		QualifiedSQL: resolution.QualifiedSQL,
		Backend:      e.backend.Name(),
		Columns:      result.Columns,
		CreatedAt:    time.Now().UTC(),
	}

	entry, err := e.registerOrRecreate(stmt.CacheName, key, resolution, art)
	if err != nil {
		return err
	}
	if entry.State == cache.StateValid {
		e.cache.Remember(key, entry.Generation, result)
	} else {
		e.logger.WithFields(logrus.Fields{
			"cache":  entry.Name,
			"reason": entry.StaleReason,
		}).Warn("catalog changed during CREATE CACHE, entry admitted stale")
	}

	res.CacheName = entry.Name
	res.CacheState = entry.State
	res.RowCount = result.RowCount
	return nil
}

func (e *Engine) registerOrRecreate(name, key string, resolution *resolver.Resolution, art cache.Artifact) (cache.Entry, error) {
	if existing, ok := e.cache.Get(key); ok && (name == "" || name == existing.Name) {
		entry, err := e.cache.Recreate(key, resolution, art)
		if err == nil {
			return entry, nil
		}
		// Dropped concurrently; register it anew.
		if errors.CodeOf(err) != errors.CodeNotFound {
			return cache.Entry{}, err
		}
	}
	return e.cache.Register(name, key, key, resolution, art)
}

// execWrite passes a data modification to the backend with its tables
// qualified, then evicts memoized results that read those tables.
func (e *Engine) execWrite(ctx context.Context, sess *session.Session, stmt *sql.Statement, res *Result) error {
	resolution, err := e.resolver.ResolveWrite(stmt.Write, sess.SearchPath().Current(), e.snapshot(sess))
	if err != nil {
		return err
	}
	res.Destination = session.DestinationUpstream
	res.Tables = resolution.Dependencies.Strings()
	res.Message = string(stmt.Kind)

	n, err := e.backend.Exec(ctx, resolution.QualifiedSQL)
	if err != nil {
		return err
	}
	res.RowCount = int(n)

	for _, t := range resolution.Dependencies.Sorted() {
		if evicted := e.cache.EvictResults(t); evicted > 0 {
			e.logger.WithFields(logrus.Fields{"table": t.String(), "evicted": evicted}).Debug("evicted memoized results")
		}
	}
	return nil
}

func (e *Engine) dropCache(stmt *sql.Statement, res *Result) error {
	res.Destination = session.DestinationCache
	res.Message = string(sql.KindDropCache)
	entry, err := e.cache.Drop(stmt.CacheName)
	if err != nil {
		return err
	}
	res.CacheName = entry.Name
	res.CacheState = entry.State
	return nil
}

// ShowCachesColumns are the columns of SHOW CACHES.
var ShowCachesColumns = []string{
	"name", "state", "query", "dependencies", "search_path", "hits", "fallbacks", "stale_reason",
}

func (e *Engine) showCaches(res *Result) {
	entries := e.cache.Entries()
	res.Destination = session.DestinationCache
	res.Columns = ShowCachesColumns
	res.Rows = make([][]interface{}, 0, len(entries))
	for _, entry := range entries {
		path := ""
		if entry.Resolution != nil {
			path = entry.Resolution.SearchPath.String()
		}
		res.Rows = append(res.Rows, []interface{}{
			entry.Name,
			string(entry.State),
			entry.QueryText,
			strings.Join(entry.Dependencies().Strings(), ", "),
			path,
			entry.Hits,
			entry.Fallbacks,
			entry.StaleReason,
		})
	}
	res.RowCount = len(res.Rows)
}

func setRows(res *Result, result *backend.Result) {
	res.Columns = result.Columns
	res.Rows = result.Rows
	res.RowCount = result.RowCount
}

