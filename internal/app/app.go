// Package app assembles a querycache instance from configuration. The CLI
// local mode and the gateway both run on an App.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/auth"
	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/backend/bigquery"
	"github.com/canonica-labs/querycache/internal/backend/duckdb"
	"github.com/canonica-labs/querycache/internal/backend/postgres"
	"github.com/canonica-labs/querycache/internal/backend/snowflake"
	"github.com/canonica-labs/querycache/internal/backend/trino"
	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/catalog/infoschema"
	"github.com/canonica-labs/querycache/internal/config"
	"github.com/canonica-labs/querycache/internal/engine"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/status"
	"github.com/canonica-labs/querycache/internal/storage"
)

// Options override parts of the configured assembly.
type Options struct {
	// Backend replaces the configured backend. Used by tests.
	Backend backend.Backend

	// StatementLog receives JSON statement lines when no store is
	// configured. Defaults to io.Discard.
	StatementLog io.Writer

	// Authorize enables role checks on every statement.
	Authorize bool
}

// App is an assembled instance.
type App struct {
	Config   *config.Config
	Logger   logrus.FieldLogger
	Engine   *engine.Engine
	Sessions *session.Registry
	Status   *status.Checker

	Authenticator *auth.StaticTokenAuthenticator
	Authorizer    *auth.AuthorizationService

	backend backend.Backend
	source  catalog.Source
	db      *sql.DB
	repo    storage.Repository
}

// Build opens the backend and the store, restores persisted state and
// wires the engine.
func Build(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, opts Options) (*App, error) {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	a := &App{Config: cfg, Logger: logger}

	be := opts.Backend
	if be == nil {
		var err error
		be, err = OpenBackend(ctx, cfg.Backend)
		if err != nil {
			return nil, err
		}
		// An unreachable backend does not stop startup; readiness reports it.
		if err := backend.PingWithRetry(ctx, be, backend.DefaultRetryConfig()); err != nil {
			logger.WithError(err).WithField("backend", be.Name()).Warn("backend not reachable at startup")
		}
	}
	a.backend = be
	a.source = sourceFor(be)

	if cfg.Storage.Driver != "" {
		db, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		if err := storage.NewMigrationRunner(db, logger).Run(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.repo = storage.NewSQLRepository(db)
	}

	catOpts := catalog.Options{
		DefaultSchema:   cfg.Catalog.DefaultSchema,
		MutationLogSize: cfg.Catalog.MutationLogSize,
	}
	persist := cfg.Cache.Persist && a.repo != nil
	if persist {
		catOpts.Journal = a.repo
	}
	cat := catalog.New(catOpts)
	if persist {
		state, err := storage.RestoreCatalog(ctx, a.repo, cat)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.WithField("version", state.Version).WithField("tables", len(state.Tables)).
			Info("catalog restored")
	}

	qc, err := cache.New(cache.Options{MemoSize: cfg.Cache.MemoSize})
	if err != nil {
		a.Close()
		return nil, err
	}

	stmtLog, err := a.statementLogger(opts.StatementLog)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Authenticator = auth.NewStaticTokenAuthenticator()
	for _, u := range cfg.Auth.Users {
		a.Authenticator.RegisterToken(u.Token, &auth.User{ID: u.Name, Name: u.Name, Roles: u.Roles})
	}
	a.Authorizer = auth.DefaultAuthorizationService()

	engOpts := engine.Options{
		StaleMode:       cfg.Cache.StaleMode,
		MirrorDDL:       cfg.Backend.MirrorDDL,
		Logger:          logger,
		StatementLogger: stmtLog,
	}
	if opts.Authorize {
		engOpts.Authorizer = a.Authorizer
	}
	a.Engine = engine.New(cat, qc, be, engOpts)

	if persist {
		stored, err := a.repo.ListCaches(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		result, err := a.Engine.Restore(ctx, stored)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.WithFields(logrus.Fields{"valid": result.Valid, "stale": result.Stale}).Info("caches restored")
		qc.Subscribe(storage.NewPersister(a.repo, logger).Observe)
	}

	if cfg.Catalog.SyncOnStart {
		if _, err := a.SyncCatalog(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Sessions = session.NewRegistry([]string{cat.DefaultSchema()})
	a.Status = a.newStatusChecker()
	return a, nil
}

// OpenBackend opens the configured upstream engine.
func OpenBackend(ctx context.Context, cfg config.BackendConfig) (backend.Backend, error) {
	timeout := config.Duration(cfg.QueryTimeout, 5*time.Minute)
	switch cfg.Driver {
	case "duckdb":
		path := cfg.DuckDB.Database
		if cfg.DSN != "" {
			path = cfg.DSN
		}
		return duckdb.Open(duckdb.Config{DatabasePath: path, QueryTimeout: timeout})

	case "postgres", "redshift":
		pc := postgres.DefaultConfig()
		pc.DSN = cfg.DSN
		pc.Host = cfg.Postgres.Host
		pc.Port = cfg.Postgres.Port
		pc.Database = cfg.Postgres.Name
		pc.User = cfg.Postgres.User
		pc.Password = cfg.Postgres.Password
		pc.SSLMode = cfg.Postgres.SSLMode
		pc.Redshift = cfg.Driver == "redshift"
		pc.QueryTimeout = timeout
		return postgres.Open(ctx, pc)

	case "trino":
		return trino.Open(trino.Config{
			Host:         cfg.Trino.Host,
			Port:         cfg.Trino.Port,
			Catalog:      cfg.Trino.Catalog,
			User:         cfg.Trino.User,
			SSLMode:      cfg.Trino.SSLMode,
			QueryTimeout: timeout,
		})

	case "snowflake":
		sc := snowflake.DefaultConfig()
		sc.Account = cfg.Snowflake.Account
		sc.User = cfg.Snowflake.User
		sc.Password = cfg.Snowflake.Password
		sc.Database = cfg.Snowflake.Database
		sc.Warehouse = cfg.Snowflake.Warehouse
		sc.Role = cfg.Snowflake.Role
		sc.QueryTimeout = timeout
		return snowflake.Open(ctx, sc)

	case "bigquery":
		bc := bigquery.DefaultConfig()
		bc.ProjectID = cfg.BigQuery.ProjectID
		bc.CredentialsFile = cfg.BigQuery.CredentialsFile
		if cfg.BigQuery.Location != "" {
			bc.Location = cfg.BigQuery.Location
		}
		bc.QueryTimeout = timeout
		return bigquery.Open(ctx, bc)
	}
	return nil, fmt.Errorf("app: unknown backend driver %q", cfg.Driver)
}

// sourceFor returns an information_schema source for SQL backends.
// BigQuery exposes information_schema per dataset only and has none.
func sourceFor(be backend.Backend) catalog.Source {
	sb, ok := be.(*backend.SQLBackend)
	if !ok {
		return nil
	}
	ph := infoschema.Dollar
	switch sb.Name() {
	case "trino", "snowflake":
		ph = infoschema.Question
	}
	src, err := infoschema.New(infoschema.Config{Name: sb.Name(), DB: sb.DB(), Placeholder: ph})
	if err != nil {
		return nil
	}
	return src
}

func (a *App) statementLogger(w io.Writer) (observability.StatementLogger, error) {
	if a.db != nil {
		return observability.NewPersistentLogger(a.db, w)
	}
	if w == nil {
		w = io.Discard
	}
	return observability.NewJSONLogger(w), nil
}

// probeRetry retries transient backend failures within one readiness probe.
var probeRetry = backend.RetryConfig{
	MaxAttempts:       3,
	InitialDelay:      50 * time.Millisecond,
	MaxDelay:          500 * time.Millisecond,
	BackoffMultiplier: 2,
}

func (a *App) newStatusChecker() *status.Checker {
	c := status.NewChecker(func() status.Info {
		return status.Info{
			CatalogVersion: a.Engine.Catalog().Version(),
			Cache:          a.Engine.Cache().Stats(),
			Sessions:       len(a.Sessions.List()),
			Invalidations:  a.Engine.Detector().Invalidations(),
		}
	}, 5*time.Second)
	c.Add("backend", func(ctx context.Context) error {
		return backend.PingWithRetry(ctx, a.backend, probeRetry)
	})
	if a.repo != nil {
		c.Add("storage", a.repo.CheckConnectivity)
	}
	return c
}

// SyncCatalog imports the backend's schemas into the catalog.
func (a *App) SyncCatalog(ctx context.Context) (*catalog.SyncResult, error) {
	if a.source == nil {
		return nil, fmt.Errorf("app: backend %s cannot be synced", a.backend.Name())
	}
	return a.Engine.SyncCatalog(ctx, a.source, catalog.SyncOptions{
		IncludeSchemas: a.Config.Catalog.IncludeSchemas,
		ExcludeSchemas: a.Config.Catalog.ExcludeSchemas,
	})
}

// Repository returns the store, or nil when none is configured.
func (a *App) Repository() storage.Repository {
	return a.repo
}

// Close releases the backend and the store.
func (a *App) Close() error {
	var first error
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			first = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
