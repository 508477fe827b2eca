package catalog

import (
	"context"
	"time"
)

// MutationKind names a catalog change.
type MutationKind string

const (
	MutationCreateSchema MutationKind = "create_schema"
	MutationDropSchema   MutationKind = "drop_schema"
	MutationCreateTable  MutationKind = "create_table"
	MutationDropTable    MutationKind = "drop_table"
	MutationAlterTable   MutationKind = "alter_table"
	MutationRenameTable  MutationKind = "rename_table"
)

// Mutation records one committed catalog change.
type Mutation struct {
	Version uint64       `json:"version"`
	Kind    MutationKind `json:"kind"`
	Schema  string       `json:"schema"`
	Table   string       `json:"table,omitempty"`

	// NewName is the target name of a rename.
	NewName string `json:"new_name,omitempty"`

	// Columns is the full column list after create_table or alter_table.
	Columns []Column `json:"columns,omitempty"`

	// Detail describes an alter_table change, e.g. "add column email".
	Detail string `json:"detail,omitempty"`

	// Dropped lists the tables removed by a cascading drop_schema.
	Dropped []string `json:"dropped,omitempty"`

	At time.Time `json:"at"`
}

// Touches reports whether the mutation removes or changes the given table.
// Creations are not reported; they matter only for shadowing.
func (m Mutation) Touches(t TableName) bool {
	if m.Schema != t.Schema {
		return false
	}
	switch m.Kind {
	case MutationDropSchema:
		return true
	case MutationDropTable, MutationAlterTable, MutationRenameTable:
		return m.Table == t.Name
	}
	return false
}

// Created returns the table a mutation brings into existence, if any.
func (m Mutation) Created() (TableName, bool) {
	switch m.Kind {
	case MutationCreateTable:
		return TableName{Schema: m.Schema, Name: m.Table}, true
	case MutationRenameTable:
		return TableName{Schema: m.Schema, Name: m.NewName}, true
	}
	return TableName{}, false
}

// Listener is notified synchronously after a mutation is published and
// before the mutating call returns. Listeners must not mutate the catalog.
type Listener func(m Mutation)

// Journal durably records mutations. Append runs before the mutation is
// published; an error aborts the mutation with no visible effect.
type Journal interface {
	Append(ctx context.Context, m Mutation) error
}
