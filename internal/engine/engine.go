// Package engine executes statements against the catalog, the query cache
// and the backend.
//
// Every statement is classified first. Catalog DDL is mirrored to the
// backend and then applied to the catalog, whose listeners invalidate
// affected cache entries before the statement returns. Queries are served
// from a Valid cache entry when one exists and otherwise resolved under
// the session's search path and passed to the backend. Statements the
// parser does not model are passed to the backend verbatim and listed by
// SHOW PROXIED QUERIES once the backend accepts them.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/invalidation"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/resolver"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// Stale modes.
const (
	StaleModeFallback = "fallback"
	StaleModeError    = "error"
)

// Authorizer decides whether the caller in ctx may run a statement kind.
type Authorizer interface {
	AuthorizeStatement(ctx context.Context, kind sql.StatementKind) error
}

// Options configures an Engine.
type Options struct {
	// StaleMode is StaleModeFallback (default) or StaleModeError.
	StaleMode string

	// MirrorDDL runs catalog DDL on the backend before the catalog changes.
	MirrorDDL bool

	// ProxiedLimit bounds SHOW PROXIED QUERIES. Zero means
	// DefaultProxiedLimit.
	ProxiedLimit int

	Logger          logrus.FieldLogger
	StatementLogger observability.StatementLogger
	Authorizer      Authorizer
}

// Result is the outcome of one statement.
type Result struct {
	StatementID string              `json:"statement_id"`
	Kind        sql.StatementKind   `json:"kind"`
	Destination session.Destination `json:"destination"`

	CacheName  string      `json:"cache_name,omitempty"`
	CacheState cache.State `json:"cache_state,omitempty"`
	Fallback   bool        `json:"fallback,omitempty"`

	Columns  []string        `json:"columns,omitempty"`
	Rows     [][]interface{} `json:"rows,omitempty"`
	RowCount int             `json:"row_count"`

	// Message is the command tag of statements that return no rows.
	Message string `json:"message,omitempty"`

	// Tables are the catalog tables the statement resolved to.
	Tables []string `json:"tables,omitempty"`

	CatalogVersion uint64        `json:"catalog_version"`
	Duration       time.Duration `json:"duration"`
}

// Engine executes statements. It is safe for concurrent use by many
// sessions.
type Engine struct {
	catalog  *catalog.Catalog
	cache    *cache.QueryCache
	detector *invalidation.Detector
	resolver *resolver.Resolver
	parser   *sql.Parser
	backend  backend.Backend
	proxied  *proxiedRegistry

	opts    Options
	logger  logrus.FieldLogger
	stmtLog observability.StatementLogger
}

// New wires an engine. It installs the invalidation detector between cat
// and qc, so it must be called once per catalog and cache.
func New(cat *catalog.Catalog, qc *cache.QueryCache, be backend.Backend, opts Options) *Engine {
	if opts.StaleMode == "" {
		opts.StaleMode = StaleModeFallback
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	stmtLog := opts.StatementLogger
	if stmtLog == nil {
		stmtLog = observability.NewNoopLogger()
	}

	return &Engine{
		catalog:  cat,
		cache:    qc,
		detector: invalidation.New(cat, qc, logger),
		resolver: resolver.New(),
		parser:   sql.NewParser(),
		backend:  be,
		proxied:  newProxiedRegistry(opts.ProxiedLimit),
		opts:     opts,
		logger:   logger.WithField("component", "engine"),
		stmtLog:  stmtLog,
	}
}

// Catalog returns the schema catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Cache returns the query cache.
func (e *Engine) Cache() *cache.QueryCache { return e.cache }

// Backend returns the upstream backend.
func (e *Engine) Backend() backend.Backend { return e.backend }

// Detector returns the invalidation detector.
func (e *Engine) Detector() *invalidation.Detector { return e.detector }

// StatementLogger returns the statement logger.
func (e *Engine) StatementLogger() observability.StatementLogger { return e.stmtLog }

// Execute runs one statement for sess.
func (e *Engine) Execute(ctx context.Context, sess *session.Session, text string) (*Result, error) {
	start := time.Now()
	res := &Result{StatementID: uuid.NewString()}

	stmt, err := e.parser.Parse(text)
	if err == nil {
		res.Kind = stmt.Kind
		if e.opts.Authorizer != nil {
			err = e.opts.Authorizer.AuthorizeStatement(ctx, stmt.Kind)
		}
	}
	if err != nil {
		e.finish(ctx, sess, res, start, err, observability.OutcomeRejected)
		return nil, err
	}

	err = e.dispatch(ctx, sess, stmt, res)
	res.CatalogVersion = e.catalog.Version()

	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeError
	}
	e.finish(ctx, sess, res, start, err, outcome)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, sess *session.Session, stmt *sql.Statement, res *Result) error {
	switch {
	case stmt.Kind.IsDDL():
		return e.execDDL(ctx, sess, stmt, res)
	case stmt.Kind.IsWrite():
		return e.execWrite(ctx, sess, stmt, res)
	}

	switch stmt.Kind {
	case sql.KindSelect:
		return e.execSelect(ctx, sess, stmt, res)
	case sql.KindCreateCache:
		return e.createCache(ctx, sess, stmt, res)
	case sql.KindDropCache:
		return e.dropCache(stmt, res)
	case sql.KindDropAllCaches:
		n := e.cache.DropAll()
		res.Destination = session.DestinationCache
		res.RowCount = n
		res.Message = "DROP ALL CACHES"
		return nil
	case sql.KindShowCaches:
		e.showCaches(res)
		return nil
	case sql.KindSetSearchPath:
		var path session.SearchPath
		if stmt.ResetSearchPath {
			path = sess.SearchPath().Reset()
		} else {
			path = sess.SearchPath().Set(stmt.SearchPath)
		}
		res.Destination = session.DestinationSession
		res.Message = "SET search_path = " + path.String()
		return nil
	case sql.KindShowSearch:
		res.Destination = session.DestinationSession
		res.Columns = []string{"search_path"}
		res.Rows = [][]interface{}{{sess.SearchPath().Current().String()}}
		res.RowCount = 1
		return nil
	case sql.KindExplainLast:
		return e.explainLast(sess, res)
	case sql.KindShowProxied:
		e.showProxied(res)
		return nil
	case sql.KindProxied:
		return e.execProxied(ctx, stmt, res)
	}
	return errors.NewQueryRejected(stmt.Raw, "unsupported statement", "")
}

// finish records the statement on the session and in the statement log.
func (e *Engine) finish(ctx context.Context, sess *session.Session, res *Result, start time.Time, err error, outcome string) {
	res.Duration = time.Since(start)

	info := session.StatementInfo{
		ID:          res.StatementID,
		Kind:        string(res.Kind),
		Destination: res.Destination,
		CacheName:   res.CacheName,
		Fallback:    res.Fallback,
		At:          start.UTC(),
	}
	entry := observability.StatementLogEntry{
		StatementID: res.StatementID,
		SessionID:   sess.ID,
		User:        sess.User,
		Kind:        string(res.Kind),
		Tables:      res.Tables,
		Destination: string(res.Destination),
		CacheName:   res.CacheName,
		CacheState:  string(res.CacheState),
		Fallback:    res.Fallback,
		Duration:    res.Duration,
		Outcome:     outcome,
	}
	if err != nil {
		info.Error = err.Error()
		entry.Error = firstLine(err.Error())
	}

	// EXPLAIN LAST STATEMENT describes the statement before it.
	if res.Kind != sql.KindExplainLast {
		sess.RecordStatement(info)
	}

	if logErr := e.stmtLog.LogStatement(ctx, entry); logErr != nil {
		e.logger.WithError(logErr).Warn("failed to log statement")
	}
}

func (e *Engine) explainLast(sess *session.Session, res *Result) error {
	last, ok := sess.LastStatement()
	if !ok {
		return errors.NewQueryRejected("EXPLAIN LAST STATEMENT",
			"no statement has run in this session",
			"run a query first")
	}
	res.Destination = session.DestinationSession
	res.Columns = []string{"statement_id", "kind", "destination", "cache_name", "fallback", "error"}
	res.Rows = [][]interface{}{{
		last.ID, last.Kind, string(last.Destination), last.CacheName, last.Fallback, firstLine(last.Error),
	}}
	res.RowCount = 1
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
