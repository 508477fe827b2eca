package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canonica-labs/querycache/internal/errors"
)

// DefaultMutationLogSize bounds the mutation log when Options leaves it unset.
const DefaultMutationLogSize = 4096

// DefaultSchemaName is the default schema of a catalog created without one.
const DefaultSchemaName = "public"

// Options configures a Catalog.
type Options struct {
	// DefaultSchema is created in a fresh catalog. Empty means "public".
	DefaultSchema string

	// MutationLogSize bounds how many mutations are retained for
	// MutationsSince. Zero uses DefaultMutationLogSize.
	MutationLogSize int

	// Journal, when set, records every mutation before it is published.
	Journal Journal
}

// Catalog is the versioned schema catalog.
//
// Writers are serialized by writeMu. The published snapshot and the
// mutation log are swapped together under mu, so a reader that sees
// version N also sees every log entry up to N.
type Catalog struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	snap      *Snapshot
	log       []Mutation
	listeners []Listener

	logLimit      int
	journal       Journal
	defaultSchema string
	now           func() time.Time
}

// New creates a catalog containing only the default schema at version 0.
func New(opts Options) *Catalog {
	if opts.DefaultSchema == "" {
		opts.DefaultSchema = DefaultSchemaName
	}
	if opts.MutationLogSize <= 0 {
		opts.MutationLogSize = DefaultMutationLogSize
	}

	c := &Catalog{
		logLimit:      opts.MutationLogSize,
		journal:       opts.Journal,
		defaultSchema: opts.DefaultSchema,
		now:           time.Now,
	}
	snap := emptySnapshot()
	snap.schemas[opts.DefaultSchema] = &schemaState{
		name:      opts.DefaultSchema,
		createdAt: c.now().UTC(),
		tables:    make(map[string]*Table),
	}
	c.snap = snap
	return c
}

// DefaultSchema returns the schema that exists in a fresh catalog.
func (c *Catalog) DefaultSchema() string {
	return c.defaultSchema
}

// SetJournal installs the journal. It must be called before the catalog
// is shared.
func (c *Catalog) SetJournal(j Journal) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.journal = j
}

// Snapshot returns the latest published snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Version returns the current CatalogVersion.
func (c *Catalog) Version() uint64 {
	return c.Snapshot().Version()
}

// Lookup returns the table if it exists in the latest snapshot.
func (c *Catalog) Lookup(schema, table string) (*Table, bool) {
	return c.Snapshot().Table(schema, table)
}

// Subscribe registers a listener for every future mutation.
func (c *Catalog) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// MutationsSince returns the mutations committed after version v, oldest
// first. complete is false when the log no longer reaches back to v.
func (c *Catalog) MutationsSince(v uint64) (muts []Mutation, complete bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v >= c.snap.version {
		return nil, true
	}
	if len(c.log) == 0 || c.log[0].Version > v+1 {
		return nil, false
	}
	start := int(v + 1 - c.log[0].Version)
	out := make([]Mutation, len(c.log)-start)
	copy(out, c.log[start:])
	return out, true
}

// CreateSchema creates an empty schema. With ifNotExists an existing schema
// is a no-op and the returned mutation is nil.
func (c *Catalog) CreateSchema(ctx context.Context, name string, ifNotExists bool) (*Mutation, error) {
	if err := validateName("schema", name); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	if cur.HasSchema(name) {
		if ifNotExists {
			return nil, nil
		}
		return nil, errors.NewSchemaAlreadyExists(name)
	}

	now := c.now().UTC()
	next := cur.clone()
	next.schemas[name] = &schemaState{name: name, createdAt: now, tables: make(map[string]*Table)}

	return c.publish(ctx, Mutation{Kind: MutationCreateSchema, Schema: name, At: now}, next)
}

// DropSchema removes a schema. A schema that still holds tables is only
// dropped with cascade, which removes the tables in the same mutation.
func (c *Catalog) DropSchema(ctx context.Context, name string, ifExists, cascade bool) (*Mutation, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	st, ok := cur.schemas[name]
	if !ok {
		if ifExists {
			return nil, nil
		}
		return nil, errors.NewSchemaNotFound(name)
	}

	dropped := st.tableNames()
	if len(dropped) > 0 && !cascade {
		return nil, errors.NewSchemaNotEmpty(name, dropped)
	}

	next := cur.clone()
	delete(next.schemas, name)

	m := Mutation{Kind: MutationDropSchema, Schema: name, Dropped: dropped, At: c.now().UTC()}
	return c.publish(ctx, m, next)
}

// CreateTable adds a table to an existing schema.
func (c *Catalog) CreateTable(ctx context.Context, name TableName, columns []Column, ifNotExists bool) (*Mutation, error) {
	if err := validateName("table", name.Name); err != nil {
		return nil, err
	}
	if err := validateColumns(name, columns); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	st, ok := cur.schemas[name.Schema]
	if !ok {
		return nil, errors.NewSchemaNotFound(name.Schema)
	}
	if _, exists := st.tables[name.Name]; exists {
		if ifNotExists {
			return nil, nil
		}
		return nil, errors.NewTableAlreadyExists(name.String())
	}

	now := c.now().UTC()
	cols := append([]Column(nil), columns...)
	next := cur.clone()
	ns := st.clone()
	ns.tables[name.Name] = &Table{
		Schema:    name.Schema,
		Name:      name.Name,
		Columns:   cols,
		CreatedAt: now,
		UpdatedAt: now,
	}
	next.schemas[name.Schema] = ns

	m := Mutation{Kind: MutationCreateTable, Schema: name.Schema, Table: name.Name, Columns: cols, At: now}
	return c.publish(ctx, m, next)
}

// DropTable removes a table.
func (c *Catalog) DropTable(ctx context.Context, name TableName, ifExists bool) (*Mutation, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	st, ok := cur.schemas[name.Schema]
	if !ok {
		if ifExists {
			return nil, nil
		}
		return nil, errors.NewSchemaNotFound(name.Schema)
	}
	if _, exists := st.tables[name.Name]; !exists {
		if ifExists {
			return nil, nil
		}
		return nil, errors.NewTableNotFound(name.String(), nil)
	}

	next := cur.clone()
	ns := st.clone()
	delete(ns.tables, name.Name)
	next.schemas[name.Schema] = ns

	m := Mutation{Kind: MutationDropTable, Schema: name.Schema, Table: name.Name, At: c.now().UTC()}
	return c.publish(ctx, m, next)
}

// AddColumn appends a column to a table.
func (c *Catalog) AddColumn(ctx context.Context, name TableName, col Column) (*Mutation, error) {
	if err := validateName("column", col.Name); err != nil {
		return nil, err
	}
	return c.alter(ctx, name, "add column "+col.Name, func(t *Table) ([]Column, error) {
		if _, exists := t.Column(col.Name); exists {
			return nil, errors.NewColumnAlreadyExists(t.FullName(), col.Name)
		}
		cols := make([]Column, 0, len(t.Columns)+1)
		cols = append(cols, t.Columns...)
		return append(cols, col), nil
	})
}

// DropColumn removes a column from a table.
func (c *Catalog) DropColumn(ctx context.Context, name TableName, column string) (*Mutation, error) {
	return c.alter(ctx, name, "drop column "+column, func(t *Table) ([]Column, error) {
		if _, exists := t.Column(column); !exists {
			return nil, errors.NewColumnNotFound(t.FullName(), column)
		}
		cols := make([]Column, 0, len(t.Columns))
		for _, existing := range t.Columns {
			if existing.Name != column {
				cols = append(cols, existing)
			}
		}
		return cols, nil
	})
}

func (c *Catalog) alter(ctx context.Context, name TableName, detail string, change func(*Table) ([]Column, error)) (*Mutation, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	st, ok := cur.schemas[name.Schema]
	if !ok {
		return nil, errors.NewSchemaNotFound(name.Schema)
	}
	t, ok := st.tables[name.Name]
	if !ok {
		return nil, errors.NewTableNotFound(name.String(), nil)
	}

	cols, err := change(t)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	next := cur.clone()
	ns := st.clone()
	ns.tables[name.Name] = &Table{
		Schema:    t.Schema,
		Name:      t.Name,
		Columns:   cols,
		CreatedAt: t.CreatedAt,
		UpdatedAt: now,
	}
	next.schemas[name.Schema] = ns

	m := Mutation{Kind: MutationAlterTable, Schema: name.Schema, Table: name.Name, Columns: cols, Detail: detail, At: now}
	return c.publish(ctx, m, next)
}

// RenameTable renames a table within its schema.
func (c *Catalog) RenameTable(ctx context.Context, name TableName, newName string) (*Mutation, error) {
	if err := validateName("table", newName); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Snapshot()
	st, ok := cur.schemas[name.Schema]
	if !ok {
		return nil, errors.NewSchemaNotFound(name.Schema)
	}
	t, ok := st.tables[name.Name]
	if !ok {
		return nil, errors.NewTableNotFound(name.String(), nil)
	}
	if _, taken := st.tables[newName]; taken {
		return nil, errors.NewTableAlreadyExists(name.Schema + "." + newName)
	}

	now := c.now().UTC()
	next := cur.clone()
	ns := st.clone()
	delete(ns.tables, name.Name)
	ns.tables[newName] = &Table{
		Schema:    t.Schema,
		Name:      newName,
		Columns:   t.Columns,
		CreatedAt: t.CreatedAt,
		UpdatedAt: now,
	}
	next.schemas[name.Schema] = ns

	m := Mutation{Kind: MutationRenameTable, Schema: name.Schema, Table: name.Name, NewName: newName, Columns: t.Columns, At: now}
	return c.publish(ctx, m, next)
}

// Restore replaces the catalog contents with persisted state. It is meant
// for startup, before the catalog is shared; the mutation log is cleared
// and no listeners are notified.
func (c *Catalog) Restore(schemas []string, tables []*Table, version uint64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := emptySnapshot()
	snap.version = version
	now := c.now().UTC()
	for _, name := range schemas {
		snap.schemas[name] = &schemaState{name: name, createdAt: now, tables: make(map[string]*Table)}
	}
	for _, t := range tables {
		st, ok := snap.schemas[t.Schema]
		if !ok {
			return fmt.Errorf("catalog: restored table %s references unknown schema", t.FullName())
		}
		st.tables[t.Name] = t
	}

	c.mu.Lock()
	c.snap = snap
	c.log = nil
	c.mu.Unlock()
	return nil
}

// publish journals m, swaps in next and notifies listeners. writeMu must
// be held.
func (c *Catalog) publish(ctx context.Context, m Mutation, next *Snapshot) (*Mutation, error) {
	m.Version = c.snap.version + 1
	next.version = m.Version

	if c.journal != nil {
		if err := c.journal.Append(ctx, m); err != nil {
			return nil, fmt.Errorf("catalog: journal %s: %w", m.Kind, err)
		}
	}

	c.mu.Lock()
	c.snap = next
	c.log = append(c.log, m)
	if over := len(c.log) - c.logLimit; over > 0 {
		c.log = append([]Mutation(nil), c.log[over:]...)
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(m)
	}
	return &m, nil
}

func validateName(kind, name string) error {
	if name == "" {
		return errors.NewQueryRejected("", fmt.Sprintf("%s name is empty", kind), fmt.Sprintf("provide a %s name", kind))
	}
	return nil
}

func validateColumns(table TableName, columns []Column) error {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if err := validateName("column", col.Name); err != nil {
			return err
		}
		if seen[col.Name] {
			return errors.NewColumnAlreadyExists(table.String(), col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}
