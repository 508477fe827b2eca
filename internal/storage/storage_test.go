package storage_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/canonica-labs/querycache/internal/backend/backendtest"
	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/engine"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/resolver"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/storage"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.Open(context.Background(), storage.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.NewMigrationRunner(db, observability.DiscardLogger()).Run(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return db
}

// repositories returns every Repository implementation under test.
func repositories(t *testing.T) map[string]storage.Repository {
	return map[string]storage.Repository{
		"sqlite": storage.NewSQLRepository(openSQLite(t)),
		"memory": storage.NewMemoryRepository(),
	}
}

// ============== Migrations ==============

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openSQLite(t)
	runner := storage.NewMigrationRunner(db, observability.DiscardLogger())

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	pending, err := runner.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending = %v, want none", pending)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := storage.Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

// ============== Catalog journal ==============

func TestCatalogSurvivesRestart(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cat := catalog.New(catalog.Options{Journal: repo})
			if _, err := storage.RestoreCatalog(ctx, repo, cat); err != nil {
				t.Fatalf("RestoreCatalog (empty): %v", err)
			}

			cols := []catalog.Column{{Name: "id", Type: "int"}}
			mustMutate(t, func() (*catalog.Mutation, error) { return cat.CreateSchema(ctx, "app", false) })
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.CreateTable(ctx, catalog.TableName{Schema: "app", Name: "orders"}, cols, false)
			})
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.CreateTable(ctx, catalog.TableName{Schema: "public", Name: "tmp"}, cols, false)
			})
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.AddColumn(ctx, catalog.TableName{Schema: "app", Name: "orders"}, catalog.Column{Name: "total", Type: "numeric"})
			})
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.RenameTable(ctx, catalog.TableName{Schema: "app", Name: "orders"}, "sales")
			})
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.DropTable(ctx, catalog.TableName{Schema: "public", Name: "tmp"}, false)
			})

			restarted := catalog.New(catalog.Options{Journal: repo})
			state, err := storage.RestoreCatalog(ctx, repo, restarted)
			if err != nil {
				t.Fatalf("RestoreCatalog: %v", err)
			}
			if state.Version != cat.Version() || restarted.Version() != cat.Version() {
				t.Errorf("version = %d/%d, want %d", state.Version, restarted.Version(), cat.Version())
			}
			if !restarted.Snapshot().HasSchema("public") || !restarted.Snapshot().HasSchema("app") {
				t.Errorf("schemas = %v, want app and public", restarted.Snapshot().Schemas())
			}
			sales, ok := restarted.Lookup("app", "sales")
			if !ok {
				t.Fatal("app.sales missing after restart")
			}
			if len(sales.Columns) != 2 || sales.Columns[1].Name != "total" {
				t.Errorf("columns = %+v", sales.Columns)
			}
			if _, ok := restarted.Lookup("app", "orders"); ok {
				t.Error("renamed table still stored under old name")
			}
			if _, ok := restarted.Lookup("public", "tmp"); ok {
				t.Error("dropped table restored")
			}
		})
	}
}

func TestDropSchemaCascadeIsJournaled(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cat := catalog.New(catalog.Options{Journal: repo})
			storage.RestoreCatalog(ctx, repo, cat)

			mustMutate(t, func() (*catalog.Mutation, error) { return cat.CreateSchema(ctx, "app", false) })
			mustMutate(t, func() (*catalog.Mutation, error) {
				return cat.CreateTable(ctx, catalog.TableName{Schema: "app", Name: "t"}, []catalog.Column{{Name: "id", Type: "int"}}, false)
			})
			mustMutate(t, func() (*catalog.Mutation, error) { return cat.DropSchema(ctx, "app", false, true) })

			state, err := repo.LoadCatalog(ctx)
			if err != nil {
				t.Fatalf("LoadCatalog: %v", err)
			}
			if len(state.Tables) != 0 {
				t.Errorf("tables = %d, want 0", len(state.Tables))
			}
			for _, s := range state.Schemas {
				if s == "app" {
					t.Error("dropped schema still stored")
				}
			}
		})
	}
}

func TestJournalFailureAbortsMutation(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	cat := catalog.New(catalog.Options{Journal: repo})
	repo.SetUnavailable(true)

	if _, err := cat.CreateSchema(ctx, "app", false); err == nil {
		t.Fatal("expected journal failure")
	}
	if cat.Snapshot().HasSchema("app") || cat.Version() != 0 {
		t.Error("mutation published despite journal failure")
	}
	if err := repo.CheckConnectivity(ctx); errors.CodeOf(err) != errors.CodeInternal {
		t.Errorf("CheckConnectivity = %v, want database unavailable", err)
	}
}

func mustMutate(t *testing.T, fn func() (*catalog.Mutation, error)) {
	t.Helper()
	if _, err := fn(); err != nil {
		t.Fatalf("mutation: %v", err)
	}
}

// ============== Cache entries ==============

func TestCacheEntriesRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := cache.Entry{Name: "hot", Key: "select * from t", QueryText: "select * from t", State: cache.StateValid, Generation: 1}

			if err := repo.SaveCache(ctx, entry); err != nil {
				t.Fatalf("SaveCache: %v", err)
			}
			renamed := entry
			renamed.Name = "warm"
			renamed.State = cache.StateStale
			renamed.Generation = 2
			if err := repo.SaveCache(ctx, renamed); err != nil {
				t.Fatalf("SaveCache renamed: %v", err)
			}

			entries, err := repo.ListCaches(ctx)
			if err != nil {
				t.Fatalf("ListCaches: %v", err)
			}
			if len(entries) != 1 || entries[0].Name != "warm" || entries[0].State != cache.StateStale {
				t.Fatalf("entries = %+v, want only warm/stale", entries)
			}

			if err := repo.DeleteCache(ctx, "warm", 2); err != nil {
				t.Fatalf("DeleteCache: %v", err)
			}
			if err := repo.DeleteCache(ctx, "warm", 2); err != nil {
				t.Errorf("deleting a missing entry: %v", err)
			}
			entries, _ = repo.ListCaches(ctx)
			if entries == nil || len(entries) != 0 {
				t.Errorf("entries = %v, want empty slice", entries)
			}
		})
	}
}

func TestOlderCacheWritesAreSkipped(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := cache.Entry{Name: "hot", Key: "select * from t", State: cache.StateStale, Generation: 7}
			valid := stale
			valid.State = cache.StateValid
			valid.Generation = 6

			// The invalidation is written before the registration it followed.
			if err := repo.SaveCache(ctx, stale); err != nil {
				t.Fatalf("SaveCache: %v", err)
			}
			if err := repo.SaveCache(ctx, valid); err != nil {
				t.Fatalf("SaveCache older: %v", err)
			}
			entries, _ := repo.ListCaches(ctx)
			if len(entries) != 1 || entries[0].State != cache.StateStale || entries[0].Generation != 7 {
				t.Fatalf("entries = %+v, want generation 7 stale", entries)
			}

			// A drop issued before the entry was re-registered leaves it alone.
			if err := repo.DeleteCache(ctx, "hot", 5); err != nil {
				t.Fatalf("DeleteCache: %v", err)
			}
			if entries, _ := repo.ListCaches(ctx); len(entries) != 1 {
				t.Fatalf("entries = %+v, older drop removed a newer entry", entries)
			}
		})
	}
}

func TestPersisterFollowsTransitionOrder(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewSQLRepository(openSQLite(t))
	p := storage.NewPersister(repo, observability.DiscardLogger())

	entry := cache.Entry{Name: "hot", Key: "select * from t", State: cache.StateValid, Generation: 3}
	invalidated := entry
	invalidated.State = cache.StateStale
	invalidated.Generation = 4

	p.Observe(cache.Event{Kind: cache.EventInvalidated, Entry: invalidated, Seq: 4})
	p.Observe(cache.Event{Kind: cache.EventRecreated, Entry: entry, Seq: 3})

	entries, err := repo.ListCaches(ctx)
	if err != nil {
		t.Fatalf("ListCaches: %v", err)
	}
	if len(entries) != 1 || entries[0].State != cache.StateStale {
		t.Fatalf("entries = %+v, want the stale entry", entries)
	}

	// A drop followed by a late event of the dropped entry.
	p.Observe(cache.Event{Kind: cache.EventDropped, Entry: invalidated, Seq: 5})
	p.Observe(cache.Event{Kind: cache.EventInvalidated, Entry: invalidated, Seq: 4})
	if entries, _ := repo.ListCaches(ctx); len(entries) != 0 {
		t.Errorf("entries = %+v, want the drop to stick", entries)
	}
}

func TestPersistedTransitionsFromLiveCache(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewSQLRepository(openSQLite(t))
	qc, err := cache.New(cache.Options{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	qc.Subscribe(storage.NewPersister(repo, observability.DiscardLogger()).Observe)

	res := &resolver.Resolution{Key: "select * from t", QualifiedSQL: "select * from s.t"}
	if _, err := qc.Register("hot", res.Key, res.Key, res, cache.Artifact{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	qc.Invalidate(res.Key, "table s.t altered")

	entries, _ := repo.ListCaches(ctx)
	if len(entries) != 1 || entries[0].State != cache.StateStale {
		t.Fatalf("entries = %+v, want stale", entries)
	}

	// After a restart the reloaded entry keeps writing over its stored row.
	restarted, _ := cache.New(cache.Options{})
	restarted.Subscribe(storage.NewPersister(repo, observability.DiscardLogger()).Observe)
	if err := restarted.Load(entries[0]); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := restarted.Recreate(res.Key, res, cache.Artifact{}); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	entries, _ = repo.ListCaches(ctx)
	if len(entries) != 1 || entries[0].State != cache.StateValid {
		t.Errorf("entries = %+v, want valid after recreate", entries)
	}
}

// ============== Restart ==============

type instance struct {
	engine *engine.Engine
	repo   storage.Repository
}

func start(t *testing.T, repo storage.Repository) *instance {
	t.Helper()
	ctx := context.Background()

	cat := catalog.New(catalog.Options{Journal: repo})
	if _, err := storage.RestoreCatalog(ctx, repo, cat); err != nil {
		t.Fatalf("RestoreCatalog: %v", err)
	}
	qc, err := cache.New(cache.Options{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	eng := engine.New(cat, qc, backendtest.New(), engine.Options{})

	stored, err := repo.ListCaches(ctx)
	if err != nil {
		t.Fatalf("ListCaches: %v", err)
	}
	if _, err := eng.Restore(ctx, stored); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	qc.Subscribe(storage.NewPersister(repo, observability.DiscardLogger()).Observe)
	return &instance{engine: eng, repo: repo}
}

func (i *instance) exec(t *testing.T, sess *session.Session, stmt string) {
	t.Helper()
	if _, err := i.engine.Execute(context.Background(), sess, stmt); err != nil {
		t.Fatalf("Execute(%q): %v", stmt, err)
	}
}

func TestCachesSurviveRestart(t *testing.T) {
	repo := storage.NewSQLRepository(openSQLite(t))

	first := start(t, repo)
	sess := session.New("alice", []string{"public"})
	first.exec(t, sess, "CREATE SCHEMA s1")
	first.exec(t, sess, "CREATE SCHEMA s2")
	first.exec(t, sess, "CREATE TABLE s2.t (id INT)")
	first.exec(t, sess, "CREATE TABLE s2.u (id INT)")
	first.exec(t, sess, "SET search_path = s1, s2")
	first.exec(t, sess, "CREATE CACHE kept FROM SELECT * FROM t")
	first.exec(t, sess, "CREATE CACHE shadowed FROM SELECT * FROM u")
	first.exec(t, sess, "CREATE CACHE dropped FROM SELECT id FROM t")
	first.exec(t, sess, "DROP CACHE dropped")

	// A table created while the process is down shadows s2.u. The journal
	// is written directly, as another instance sharing the store would.
	other := catalog.New(catalog.Options{Journal: repo})
	if _, err := storage.RestoreCatalog(context.Background(), repo, other); err != nil {
		t.Fatalf("RestoreCatalog: %v", err)
	}
	if _, err := other.CreateTable(context.Background(),
		catalog.TableName{Schema: "s1", Name: "u"}, []catalog.Column{{Name: "id", Type: "int"}}, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	second := start(t, repo)
	qc := second.engine.Cache()

	kept, ok := qc.GetByName("kept")
	if !ok || kept.State != cache.StateValid {
		t.Errorf("kept = %+v, want valid", kept)
	}
	shadowed, ok := qc.GetByName("shadowed")
	if !ok || shadowed.State != cache.StateStale {
		t.Errorf("shadowed = %+v, want stale", shadowed)
	}
	if _, ok := qc.GetByName("dropped"); ok {
		t.Error("dropped cache came back")
	}
}
