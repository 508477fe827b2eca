package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// ProxiedStatusUnsupported marks a statement the cache cannot model.
const ProxiedStatusUnsupported = "unsupported"

// DefaultProxiedLimit bounds the proxied-query list.
const DefaultProxiedLimit = 1024

// ProxiedQuery is a statement that was passed to the backend verbatim and
// succeeded there.
type ProxiedQuery struct {
	ID     string    `json:"query_id"`
	Query  string    `json:"proxied_query"`
	Status string    `json:"status"`
	Count  uint64    `json:"count"`
	LastAt time.Time `json:"last_at"`
}

// proxiedRegistry remembers the most recently proxied statements by id.
type proxiedRegistry struct {
	mu      sync.Mutex
	queries *lru.Cache
}

func newProxiedRegistry(limit int) *proxiedRegistry {
	if limit <= 0 {
		limit = DefaultProxiedLimit
	}
	queries, _ := lru.New(limit)
	return &proxiedRegistry{queries: queries}
}

func (r *proxiedRegistry) record(text string, at time.Time) ProxiedQuery {
	id := cache.GenerateName(text)

	r.mu.Lock()
	defer r.mu.Unlock()
	q := ProxiedQuery{ID: id, Query: text, Status: ProxiedStatusUnsupported}
	if v, ok := r.queries.Peek(id); ok {
		q = v.(ProxiedQuery)
	}
	q.Count++
	q.LastAt = at.UTC()
	r.queries.Add(id, q)
	return q
}

func (r *proxiedRegistry) list() []ProxiedQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProxiedQuery, 0, r.queries.Len())
	for _, k := range r.queries.Keys() {
		if v, ok := r.queries.Peek(k); ok {
			out = append(out, v.(ProxiedQuery))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProxiedQueries returns the statements passed upstream verbatim, by id.
func (e *Engine) ProxiedQueries() []ProxiedQuery {
	return e.proxied.list()
}

// execProxied sends a statement the cache does not model to the backend
// as written. Only statements the backend accepts are recorded.
func (e *Engine) execProxied(ctx context.Context, stmt *sql.Statement, res *Result) error {
	res.Destination = session.DestinationUpstream

	if stmt.ReturnsRows() {
		result, err := e.backend.Query(ctx, stmt.Raw)
		if err != nil {
			return err
		}
		setRows(res, result)
	} else {
		n, err := e.backend.Exec(ctx, stmt.Raw)
		if err != nil {
			return err
		}
		res.RowCount = int(n)
		res.Message = string(sql.KindProxied)

		// The statement may have changed any table.
		if purged := e.cache.PurgeResults(); purged > 0 {
			e.logger.WithField("evicted", purged).Debug("purged memoized results after proxied statement")
		}
	}

	q := e.proxied.record(stmt.Raw, time.Now())
	e.logger.WithFields(logrus.Fields{"query_id": q.ID, "count": q.Count}).Debug("proxied statement")
	return nil
}

// ShowProxiedColumns are the columns of SHOW PROXIED QUERIES.
var ShowProxiedColumns = []string{"query_id", "proxied_query", "status", "count"}

func (e *Engine) showProxied(res *Result) {
	queries := e.proxied.list()
	res.Destination = session.DestinationCache
	res.Columns = ShowProxiedColumns
	res.Rows = make([][]interface{}, 0, len(queries))
	for _, q := range queries {
		res.Rows = append(res.Rows, []interface{}{q.ID, q.Query, q.Status, q.Count})
	}
	res.RowCount = len(res.Rows)
}
