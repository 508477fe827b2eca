// Package invalidation keeps cached queries coherent with the catalog.
//
// Invalidation is eager. The Detector listens to every committed catalog
// mutation and moves each affected Valid entry to Stale before the
// mutating statement returns. It also guards admission into the cache, so
// an entry resolved against a snapshot that a concurrent mutation has
// already overtaken is admitted Stale.
package invalidation

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/resolver"
)

// Affects reports whether m changes the outcome of res, and why.
//
// A mutation affects a resolution when it drops, alters or renames a
// dependency, drops the schema holding one, or creates a table that an
// unqualified reference would now bind to because its schema comes
// earlier on the resolution's search path.
func Affects(m catalog.Mutation, res *resolver.Resolution) (bool, string) {
	if res == nil {
		return false, ""
	}

	for _, dep := range res.Dependencies.Sorted() {
		if !m.Touches(dep) {
			continue
		}
		switch m.Kind {
		case catalog.MutationDropSchema:
			return true, fmt.Sprintf("schema %s dropped", m.Schema)
		case catalog.MutationDropTable:
			return true, fmt.Sprintf("table %s dropped", dep)
		case catalog.MutationRenameTable:
			return true, fmt.Sprintf("table %s renamed to %s", dep, m.NewName)
		case catalog.MutationAlterTable:
			return true, fmt.Sprintf("table %s altered: %s", dep, m.Detail)
		}
	}

	created, ok := m.Created()
	if !ok {
		return false, ""
	}
	b, bound := res.BindingFor(created.Name)
	if !bound {
		return false, ""
	}
	if idx := res.SearchPath.Index(created.Schema); idx >= 0 && idx < b.PathIndex {
		return true, fmt.Sprintf("table %s now shadows %s.%s on search path %s",
			created, b.Schema, b.Name, res.SearchPath)
	}
	return false, ""
}

// Detector invalidates cache entries on catalog mutations.
type Detector struct {
	catalog *catalog.Catalog
	cache   *cache.QueryCache
	logger  logrus.FieldLogger

	invalidations atomic.Uint64
}

// New wires a Detector between cat and qc. It subscribes to cat and
// installs itself as qc's admission guard.
func New(cat *catalog.Catalog, qc *cache.QueryCache, logger logrus.FieldLogger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Detector{
		catalog: cat,
		cache:   qc,
		logger:  logger.WithField("component", "invalidation"),
	}
	qc.SetGuard(d)
	cat.Subscribe(d.onMutation)
	return d
}

// Invalidations returns how many entries the Detector has moved to Stale.
func (d *Detector) Invalidations() uint64 {
	return d.invalidations.Load()
}

func (d *Detector) onMutation(m catalog.Mutation) {
	for _, e := range d.cache.Entries() {
		if e.State != cache.StateValid {
			continue
		}
		affected, reason := Affects(m, e.Resolution)
		if !affected {
			continue
		}
		if d.cache.InvalidateGeneration(e.Key, e.Generation, reason) {
			d.invalidations.Add(1)
			d.logger.WithFields(logrus.Fields{
				"cache":           e.Name,
				"catalog_version": m.Version,
				"mutation":        m.Kind,
			}).Info("cache entry invalidated: " + reason)
		}
	}
}

// Diverged replays the mutations committed after res was computed. It
// reports divergence when one of them affects res, or when the mutation
// log no longer reaches back to res.CatalogVersion.
func (d *Detector) Diverged(res *resolver.Resolution) (bool, string) {
	muts, complete := d.catalog.MutationsSince(res.CatalogVersion)
	if !complete {
		return true, fmt.Sprintf("catalog history no longer covers version %d", res.CatalogVersion)
	}
	for _, m := range muts {
		if affected, reason := Affects(m, res); affected {
			return true, reason
		}
	}
	return false, ""
}

var _ cache.AdmissionGuard = (*Detector)(nil)
