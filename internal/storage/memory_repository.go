package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
)

// MemoryRepository keeps state in process memory. It is used when no
// storage driver is configured and in tests; nothing survives a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	version uint64
	schemas map[string]bool
	tables  map[catalog.TableName]*catalog.Table
	caches  map[string]cache.Entry

	// Test hook for simulating an unreachable store.
	unavailable bool
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		schemas: make(map[string]bool),
		tables:  make(map[catalog.TableName]*catalog.Table),
		caches:  make(map[string]cache.Entry),
	}
}

// SetUnavailable makes every call fail as if the store were down.
func (r *MemoryRepository) SetUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

// checkContext verifies the context is not cancelled or timed out.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (r *MemoryRepository) check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if r.unavailable {
		return errors.NewDatabaseUnavailable(fmt.Errorf("store unavailable (simulated)"))
	}
	return nil
}

func (r *MemoryRepository) Append(ctx context.Context, m catalog.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}

	switch m.Kind {
	case catalog.MutationCreateSchema:
		r.schemas[m.Schema] = true
	case catalog.MutationDropSchema:
		delete(r.schemas, m.Schema)
		for name := range r.tables {
			if name.Schema == m.Schema {
				delete(r.tables, name)
			}
		}
	case catalog.MutationCreateTable:
		r.tables[catalog.TableName{Schema: m.Schema, Name: m.Table}] = &catalog.Table{
			Schema:    m.Schema,
			Name:      m.Table,
			Columns:   append([]catalog.Column(nil), m.Columns...),
			CreatedAt: m.At,
			UpdatedAt: m.At,
		}
	case catalog.MutationDropTable:
		delete(r.tables, catalog.TableName{Schema: m.Schema, Name: m.Table})
	case catalog.MutationAlterTable:
		name := catalog.TableName{Schema: m.Schema, Name: m.Table}
		if t, ok := r.tables[name]; ok {
			updated := *t
			updated.Columns = append([]catalog.Column(nil), m.Columns...)
			updated.UpdatedAt = m.At
			r.tables[name] = &updated
		}
	case catalog.MutationRenameTable:
		old := catalog.TableName{Schema: m.Schema, Name: m.Table}
		if t, ok := r.tables[old]; ok {
			renamed := *t
			renamed.Name = m.NewName
			renamed.UpdatedAt = m.At
			delete(r.tables, old)
			r.tables[catalog.TableName{Schema: m.Schema, Name: m.NewName}] = &renamed
		}
	}
	r.version = m.Version
	return nil
}

func (r *MemoryRepository) Seed(ctx context.Context, defaultSchema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	if r.version == 0 {
		r.schemas[defaultSchema] = true
	}
	return nil
}

func (r *MemoryRepository) LoadCatalog(ctx context.Context) (*CatalogState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	state := &CatalogState{Version: r.version, Schemas: []string{}, Tables: []*catalog.Table{}}
	for name := range r.schemas {
		state.Schemas = append(state.Schemas, name)
	}
	sort.Strings(state.Schemas)
	for _, t := range r.tables {
		copied := *t
		state.Tables = append(state.Tables, &copied)
	}
	sort.Slice(state.Tables, func(i, j int) bool {
		return state.Tables[i].FullName() < state.Tables[j].FullName()
	})
	return state, nil
}

func (r *MemoryRepository) SaveCache(ctx context.Context, entry cache.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	for name, existing := range r.caches {
		if (name == entry.Name || existing.Key == entry.Key) && existing.Generation > entry.Generation {
			return nil
		}
	}
	for name, existing := range r.caches {
		if existing.Key == entry.Key && name != entry.Name {
			delete(r.caches, name)
		}
	}
	r.caches[entry.Name] = entry
	return nil
}

func (r *MemoryRepository) DeleteCache(ctx context.Context, name string, generation uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	if existing, ok := r.caches[name]; ok && existing.Generation <= generation {
		delete(r.caches, name)
	}
	return nil
}

func (r *MemoryRepository) ListCaches(ctx context.Context) ([]cache.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	entries := make([]cache.Entry, 0, len(r.caches))
	for _, e := range r.caches {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (r *MemoryRepository) CheckConnectivity(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(ctx)
}
