// Package catalog holds the authoritative schema catalog: schemas, their
// tables and the columns of each table.
//
// The catalog is versioned. Every successful mutation produces a new
// immutable Snapshot, appends an entry to a bounded mutation log and
// notifies subscribers before the mutating call returns. Readers resolve
// names against a Snapshot and never observe a half-applied change.
package catalog

import (
	"sort"
	"time"
)

// TableName identifies a table by schema and name. Both parts are
// case-sensitive.
type TableName struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// String returns the schema-qualified table name.
func (n TableName) String() string {
	return n.Schema + "." + n.Name
}

// Column describes a table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// Table is an immutable table definition. A change to a table publishes a
// new *Table; published values are never modified.
type Table struct {
	Schema    string    `json:"schema"`
	Name      string    `json:"name"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table's identity.
func (t *Table) TableName() TableName {
	return TableName{Schema: t.Schema, Name: t.Name}
}

// FullName returns the schema-qualified table name.
func (t *Table) FullName() string {
	return t.Schema + "." + t.Name
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

type schemaState struct {
	name      string
	createdAt time.Time
	tables    map[string]*Table
}

func (s *schemaState) clone() *schemaState {
	tables := make(map[string]*Table, len(s.tables))
	for k, v := range s.tables {
		tables[k] = v
	}
	return &schemaState{name: s.name, createdAt: s.createdAt, tables: tables}
}

func (s *schemaState) tableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot is an immutable view of the catalog at one CatalogVersion.
type Snapshot struct {
	version uint64
	schemas map[string]*schemaState
}

func emptySnapshot() *Snapshot {
	return &Snapshot{schemas: make(map[string]*schemaState)}
}

// clone copies the schema map only. Callers clone the schemaState they
// intend to change.
func (s *Snapshot) clone() *Snapshot {
	schemas := make(map[string]*schemaState, len(s.schemas))
	for k, v := range s.schemas {
		schemas[k] = v
	}
	return &Snapshot{version: s.version, schemas: schemas}
}

// Version returns the CatalogVersion this snapshot was published at.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// HasSchema reports whether the schema exists.
func (s *Snapshot) HasSchema(name string) bool {
	_, ok := s.schemas[name]
	return ok
}

// Schemas returns all schema names in sorted order.
func (s *Snapshot) Schemas() []string {
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table looks up a table. It returns false if either the schema or the
// table does not exist.
func (s *Snapshot) Table(schema, name string) (*Table, bool) {
	st, ok := s.schemas[schema]
	if !ok {
		return nil, false
	}
	t, ok := st.tables[name]
	return t, ok
}

// Tables returns the tables of a schema ordered by name.
func (s *Snapshot) Tables(schema string) []*Table {
	st, ok := s.schemas[schema]
	if !ok {
		return nil
	}
	tables := make([]*Table, 0, len(st.tables))
	for _, name := range st.tableNames() {
		tables = append(tables, st.tables[name])
	}
	return tables
}

// TableCount returns the number of tables across all schemas.
func (s *Snapshot) TableCount() int {
	n := 0
	for _, st := range s.schemas {
		n += len(st.tables)
	}
	return n
}
