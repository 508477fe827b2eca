package cli

import (
	"context"

	"github.com/canonica-labs/querycache/internal/app"
	"github.com/canonica-labs/querycache/internal/bootstrap"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/gateway"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/status"
	"github.com/canonica-labs/querycache/pkg/models"
)

// localUser owns the sessions of an in-process instance.
const localUser = "local"

// runner is what commands run against: a gateway or an in-process
// instance. A runner holds one session, so consecutive statements share
// a search path.
type runner interface {
	Execute(ctx context.Context, sqlText string) (*models.StatementResponse, error)
	Session(ctx context.Context) (*models.SessionInfo, error)
	Caches(ctx context.Context) ([]models.CacheInfo, error)
	Cache(ctx context.Context, name string) (*models.CacheInfo, error)
	DropCache(ctx context.Context, name string) (*models.StatementResponse, error)
	Catalog(ctx context.Context) (*models.CatalogResponse, error)
	SyncCatalog(ctx context.Context) (*catalog.SyncResult, error)
	Bootstrap(ctx context.Context, data []byte, dryRun, confirm bool) (*bootstrap.ApplyResult, error)
	Summary(ctx context.Context) (*observability.Summary, error)
	Status(ctx context.Context) (*status.StatusResult, error)
	Close() error
}

// newRunner returns a local runner with --local and a gateway runner
// otherwise.
func (c *CLI) newRunner(ctx context.Context) (runner, error) {
	if c.local {
		return c.newLocalRunner(ctx)
	}
	return &remoteRunner{client: c.newGatewayClient(), searchPath: c.searchPath}, nil
}

// ============== Local ==============

type localRunner struct {
	app  *app.App
	sess *session.Session
}

func (c *CLI) newLocalRunner(ctx context.Context) (*localRunner, error) {
	level := "warn"
	if c.debug {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, "text", c.errOut)
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, c.cfg, logger, app.Options{Backend: c.localBackend})
	if err != nil {
		return nil, err
	}
	var path []string
	if len(c.searchPath) > 0 {
		path = c.searchPath
	}
	c.debugf("local instance on %s backend\n", c.cfg.Backend.Driver)
	return &localRunner{app: a, sess: a.Sessions.Open(localUser, path)}, nil
}

func (r *localRunner) Execute(ctx context.Context, sqlText string) (*models.StatementResponse, error) {
	res, err := r.app.Engine.Execute(ctx, r.sess, sqlText)
	if err != nil {
		return nil, err
	}
	resp := gateway.StatementResponseOf(res)
	return &resp, nil
}

func (r *localRunner) Session(ctx context.Context) (*models.SessionInfo, error) {
	info := gateway.SessionInfoOf(r.sess)
	return &info, nil
}

func (r *localRunner) Caches(ctx context.Context) ([]models.CacheInfo, error) {
	out := []models.CacheInfo{}
	for _, e := range r.app.Engine.Cache().Entries() {
		out = append(out, gateway.CacheInfoOf(e))
	}
	return out, nil
}

func (r *localRunner) Cache(ctx context.Context, name string) (*models.CacheInfo, error) {
	e, ok := r.app.Engine.Cache().GetByName(name)
	if !ok {
		return nil, errors.NewCacheNotFound(name)
	}
	info := gateway.CacheInfoOf(e)
	return &info, nil
}

func (r *localRunner) DropCache(ctx context.Context, name string) (*models.StatementResponse, error) {
	return r.Execute(ctx, "DROP CACHE "+name)
}

func (r *localRunner) Catalog(ctx context.Context) (*models.CatalogResponse, error) {
	resp := gateway.CatalogOf(r.app.Engine.Catalog().Snapshot())
	return &resp, nil
}

func (r *localRunner) SyncCatalog(ctx context.Context) (*catalog.SyncResult, error) {
	return r.app.SyncCatalog(ctx)
}

func (r *localRunner) Bootstrap(ctx context.Context, data []byte, dryRun, confirm bool) (*bootstrap.ApplyResult, error) {
	return bootstrap.NewBootstrapper(r.app.Engine).Run(ctx, r.sess, data, dryRun, confirm)
}

func (r *localRunner) Summary(ctx context.Context) (*observability.Summary, error) {
	return r.app.Engine.StatementLogger().Summary(ctx), nil
}

func (r *localRunner) Status(ctx context.Context) (*status.StatusResult, error) {
	return r.app.Status.GetStatus(ctx)
}

func (r *localRunner) Close() error {
	r.app.Sessions.Close(r.sess.ID)
	return r.app.Close()
}

// ============== Remote ==============

// remoteRunner opens its gateway session on first use.
type remoteRunner struct {
	client     *GatewayClient
	searchPath []string
	sessionID  string
}

func (r *remoteRunner) session(ctx context.Context) (string, error) {
	if r.sessionID != "" {
		return r.sessionID, nil
	}
	info, err := r.client.OpenSession(ctx, r.searchPath)
	if err != nil {
		return "", err
	}
	r.sessionID = info.ID
	return r.sessionID, nil
}

func (r *remoteRunner) Execute(ctx context.Context, sqlText string) (*models.StatementResponse, error) {
	id, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	return r.client.Execute(ctx, id, sqlText, nil)
}

func (r *remoteRunner) Session(ctx context.Context) (*models.SessionInfo, error) {
	id, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	return r.client.GetSession(ctx, id)
}

func (r *remoteRunner) Caches(ctx context.Context) ([]models.CacheInfo, error) {
	return r.client.ListCaches(ctx)
}

func (r *remoteRunner) Cache(ctx context.Context, name string) (*models.CacheInfo, error) {
	return r.client.GetCache(ctx, name)
}

func (r *remoteRunner) DropCache(ctx context.Context, name string) (*models.StatementResponse, error) {
	return r.client.DropCache(ctx, name)
}

func (r *remoteRunner) Catalog(ctx context.Context) (*models.CatalogResponse, error) {
	return r.client.Catalog(ctx)
}

func (r *remoteRunner) SyncCatalog(ctx context.Context) (*catalog.SyncResult, error) {
	return r.client.SyncCatalog(ctx)
}

func (r *remoteRunner) Bootstrap(ctx context.Context, data []byte, dryRun, confirm bool) (*bootstrap.ApplyResult, error) {
	return r.client.Bootstrap(ctx, data, dryRun, confirm)
}

func (r *remoteRunner) Summary(ctx context.Context) (*observability.Summary, error) {
	return r.client.Summary(ctx)
}

func (r *remoteRunner) Status(ctx context.Context) (*status.StatusResult, error) {
	return r.client.Status(ctx)
}

func (r *remoteRunner) Close() error {
	if r.sessionID == "" {
		return nil
	}
	err := r.client.CloseSession(context.Background(), r.sessionID)
	r.sessionID = ""
	return err
}
