package cache

import (
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/resolver"
)

func tn(schema, name string) catalog.TableName {
	return catalog.TableName{Schema: schema, Name: name}
}

func resolution(key, qualified string, deps ...catalog.TableName) *resolver.Resolution {
	return &resolver.Resolution{
		Key:          key,
		Dependencies: resolver.NewDependencySet(deps...),
		QualifiedSQL: qualified,
	}
}

func newCache(t *testing.T, memo int) *QueryCache {
	t.Helper()
	c, err := New(Options{MemoSize: memo})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type guardFunc func(res *resolver.Resolution) (bool, string)

func (g guardFunc) Diverged(res *resolver.Resolution) (bool, string) { return g(res) }

// ============== Register ==============

func TestRegisterStoresValidEntry(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select * from t", "select * from s.t", tn("s", "t"))

	e, err := c.Register("daily", res.Key, "SELECT * FROM t", res, Artifact{QualifiedSQL: res.QualifiedSQL})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if e.State != StateValid || e.Name != "daily" || e.Generation == 0 {
		t.Errorf("unexpected entry %+v", e)
	}

	got, ok := c.GetByName("daily")
	if !ok || got.Key != res.Key {
		t.Fatalf("GetByName = %+v, %v", got, ok)
	}
	if !got.Dependencies().Contains(tn("s", "t")) {
		t.Error("dependencies not stored")
	}
}

func TestRegisterGeneratesName(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select 1", "select 1")
	e, err := c.Register("", res.Key, res.Key, res, Artifact{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if e.Name != GenerateName(res.Key) || !strings.HasPrefix(e.Name, "q_") || len(e.Name) != 18 {
		t.Errorf("generated name = %q", e.Name)
	}
	if GenerateName("select 1") != GenerateName("select 1") {
		t.Error("generated names must be deterministic")
	}
}

func TestRegisterNameConflict(t *testing.T) {
	c := newCache(t, 0)
	a := resolution("select * from a", "select * from s.a", tn("s", "a"))
	b := resolution("select * from b", "select * from s.b", tn("s", "b"))

	if _, err := c.Register("x", a.Key, a.Key, a, Artifact{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := c.Register("x", b.Key, b.Key, b, Artifact{})
	var conflict *errors.ErrCacheNameConflict
	if !stderrors.As(err, &conflict) {
		t.Fatalf("expected ErrCacheNameConflict, got %v", err)
	}

	// Re-registering the same key under a new name renames it.
	e, err := c.Register("y", a.Key, a.Key, a, Artifact{})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if e.Name != "y" {
		t.Errorf("Name = %q", e.Name)
	}
	if _, ok := c.GetByName("x"); ok {
		t.Error("old name still registered")
	}
}

func TestGuardAdmitsDivergedEntryAsStale(t *testing.T) {
	c := newCache(t, 0)
	c.SetGuard(guardFunc(func(res *resolver.Resolution) (bool, string) {
		return true, "dropped s.t"
	}))

	res := resolution("select * from t", "select * from s.t", tn("s", "t"))
	e, err := c.Register("", res.Key, res.Key, res, Artifact{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if e.State != StateStale || e.StaleReason != "dropped s.t" {
		t.Errorf("expected stale admission, got %+v", e)
	}
}

// ============== State machine ==============

func TestStateTransitions(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select * from t", "select * from s.t", tn("s", "t"))
	e, _ := c.Register("", res.Key, res.Key, res, Artifact{})

	if c.AcknowledgeStale(res.Key, e.Generation) {
		t.Error("a valid entry cannot be acknowledged as stale")
	}
	if !c.Invalidate(res.Key, "table dropped") {
		t.Fatal("Invalidate on a valid entry must succeed")
	}
	if c.Invalidate(res.Key, "again") {
		t.Error("Invalidate on a stale entry must be a no-op")
	}
	stale, _ := c.Get(res.Key)
	if stale.State != StateStale || stale.StaleReason != "table dropped" {
		t.Fatalf("unexpected entry %+v", stale)
	}
	if c.StillValid(res.Key, e.Generation) {
		t.Error("old generation must not be valid")
	}

	if !c.AcknowledgeStale(res.Key, stale.Generation) {
		t.Fatal("AcknowledgeStale failed")
	}
	fb, _ := c.Get(res.Key)
	if fb.State != StateFallback {
		t.Fatalf("State = %s, want fallback", fb.State)
	}

	fresh := resolution(res.Key, "select * from s2.t", tn("s2", "t"))
	back, err := c.Recreate(res.Key, fresh, Artifact{QualifiedSQL: fresh.QualifiedSQL})
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if back.State != StateValid || back.StaleReason != "" || !back.Dependencies().Contains(tn("s2", "t")) {
		t.Errorf("unexpected recreated entry %+v", back)
	}
}

func TestMarkFallbackComparesGeneration(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select 1", "select 1")
	e, _ := c.Register("", res.Key, res.Key, res, Artifact{})

	if c.MarkFallback(res.Key, e.Generation+100, "boom") {
		t.Error("MarkFallback must not apply to another generation")
	}
	if !c.MarkFallback(res.Key, e.Generation, "boom") {
		t.Fatal("MarkFallback failed")
	}
	got, _ := c.Get(res.Key)
	if got.State != StateFallback {
		t.Errorf("State = %s", got.State)
	}
}

func TestRecreateIdenticalIsNoop(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select * from t", "select * from s.t", tn("s", "t"))
	e, _ := c.Register("", res.Key, res.Key, res, Artifact{})

	same := resolution(res.Key, res.QualifiedSQL, tn("s", "t"))
	again, err := c.Recreate(res.Key, same, Artifact{})
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if again.Generation != e.Generation {
		t.Error("recreating an unchanged valid entry must not bump its generation")
	}

	if _, err := c.Recreate("select nothing", same, Artifact{}); errors.CodeOf(err) != errors.CodeNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

// ============== Lookup and removal ==============

func TestDependentsOfAndDrop(t *testing.T) {
	c := newCache(t, 0)
	a := resolution("select * from a", "select * from s.a", tn("s", "a"))
	ab := resolution("select * from a, b", "select * from s.a, s.b", tn("s", "a"), tn("s", "b"))
	c.Register("a", a.Key, a.Key, a, Artifact{})
	c.Register("ab", ab.Key, ab.Key, ab, Artifact{})

	if got := c.DependentsOf(tn("s", "a")); len(got) != 2 {
		t.Errorf("DependentsOf(s.a) = %d entries", len(got))
	}
	if got := c.DependentsOf(tn("s", "b")); len(got) != 1 || got[0].Name != "ab" {
		t.Errorf("DependentsOf(s.b) = %+v", got)
	}

	if _, err := c.Drop("a"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := c.Drop("a"); errors.CodeOf(err) != errors.CodeNotFound {
		t.Errorf("second Drop = %v", err)
	}
	if names := c.Entries(); len(names) != 1 || names[0].Name != "ab" {
		t.Errorf("Entries() = %+v", names)
	}
	if n := c.DropAll(); n != 1 {
		t.Errorf("DropAll() = %d", n)
	}
	if c.Stats().Total != 0 {
		t.Error("cache not empty after DropAll")
	}
}

func TestObserversSeeTransitions(t *testing.T) {
	c := newCache(t, 0)
	var kinds []EventKind
	var seqs []uint64
	c.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		seqs = append(seqs, ev.Seq)
	})

	res := resolution("select 1", "select 1")
	c.Register("one", res.Key, res.Key, res, Artifact{})
	c.Invalidate(res.Key, "x")
	c.Drop("one")

	want := []EventKind{EventRegistered, EventInvalidated, EventDropped}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
		if i > 0 && seqs[i] <= seqs[i-1] {
			t.Errorf("event %d seq %d does not follow %d", i, seqs[i], seqs[i-1])
		}
	}
}

func TestLoadContinuesPersistedGenerations(t *testing.T) {
	c := newCache(t, 0)
	res := resolution("select 1", "select 1")
	stored := Entry{Name: "one", Key: res.Key, QueryText: res.Key, Resolution: res, State: StateStale, Generation: 41}
	if err := c.Load(stored); err != nil {
		t.Fatalf("Load: %v", err)
	}

	loaded, _ := c.GetByName("one")
	if loaded.Generation <= stored.Generation || loaded.State != StateStale {
		t.Fatalf("loaded = gen %d state %s, want gen > 41 and stale", loaded.Generation, loaded.State)
	}
	recreated, err := c.Recreate(res.Key, res, Artifact{})
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if recreated.Generation <= loaded.Generation {
		t.Errorf("recreate generation %d does not follow %d", recreated.Generation, loaded.Generation)
	}
}

// ============== Result memo ==============

func TestMemoFollowsGeneration(t *testing.T) {
	c := newCache(t, 8)
	res := resolution("select * from t", "select * from s.t", tn("s", "t"))
	e, _ := c.Register("", res.Key, res.Key, res, Artifact{})

	result := &backend.Result{Columns: []string{"id"}, Rows: [][]interface{}{{1}}, RowCount: 1}
	c.Remember(res.Key, e.Generation, result)
	if got, ok := c.Recall(res.Key, e.Generation); !ok || got != result {
		t.Fatal("memoized result not recalled")
	}

	if n := c.EvictResults(tn("s", "t")); n != 1 {
		t.Errorf("EvictResults = %d, want 1", n)
	}
	if _, ok := c.Recall(res.Key, e.Generation); ok {
		t.Error("result survived eviction")
	}

	c.Remember(res.Key, e.Generation, result)
	c.Invalidate(res.Key, "x")
	if _, ok := c.Recall(res.Key, e.Generation); ok {
		t.Error("result survived invalidation")
	}
	c.Remember(res.Key, e.Generation, result)
	if c.Stats().Memoized != 0 {
		t.Error("stale generation must not be memoized")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newCache(t, 4)
	res := resolution("select * from t", "select * from s.t", tn("s", "t"))
	c.Register("", res.Key, res.Key, res, Artifact{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e, _ := c.Get(res.Key)
				if c.StillValid(res.Key, e.Generation) {
					c.RecordHit(res.Key)
				}
				if i%4 == 0 && j%10 == 0 {
					c.Invalidate(res.Key, "x")
					c.Recreate(res.Key, res, Artifact{})
				}
			}
		}(i)
	}
	wg.Wait()

	e, _ := c.Get(res.Key)
	if e.State != StateValid {
		t.Errorf("final state = %s", e.State)
	}
}
