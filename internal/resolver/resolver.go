// Package resolver binds table references to WITH bindings or catalog
// tables.
//
// Resolution order for an unqualified name is fixed: the scope stack from
// innermost to outermost frame, then the search path in order. The first
// match wins. A qualified name goes straight to the catalog.
package resolver

import (
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/scope"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// Kind tags a successful resolution.
type Kind int

const (
	// KindLocal is a reference bound by a WITH clause.
	KindLocal Kind = iota + 1

	// KindTable is a reference bound to a catalog table.
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindTable:
		return "table"
	}
	return "unknown"
}

// Identifier is a possibly qualified table name.
type Identifier struct {
	Schema string
	Name   string
}

func (id Identifier) String() string {
	if id.Schema == "" {
		return id.Name
	}
	return id.Schema + "." + id.Name
}

// Resolved is the outcome of resolving one identifier. The NotFound
// outcome is reported as an *errors.ErrTableNotFound.
type Resolved struct {
	Kind Kind

	// Local is set for KindLocal.
	Local *scope.Binding

	// Table and PathIndex are set for KindTable. PathIndex is the search
	// path position the table was found at, or -1 for a qualified name.
	Table     catalog.TableName
	PathIndex int
}

// Resolver resolves identifiers. It holds no state and is safe for
// concurrent use.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve binds one identifier.
func (r *Resolver) Resolve(id Identifier, stack *scope.Stack, path session.SearchPath, snap *catalog.Snapshot) (Resolved, error) {
	if id.Schema != "" {
		if !snap.HasSchema(id.Schema) {
			return Resolved{}, errors.NewSchemaNotFound(id.Schema)
		}
		if _, ok := snap.Table(id.Schema, id.Name); !ok {
			return Resolved{}, errors.NewTableNotFound(id.String(), nil)
		}
		return Resolved{
			Kind:      KindTable,
			Table:     catalog.TableName{Schema: id.Schema, Name: id.Name},
			PathIndex: -1,
		}, nil
	}

	if stack != nil {
		matches := stack.Lookup(id.Name)
		switch len(matches) {
		case 0:
		case 1:
			return Resolved{Kind: KindLocal, Local: matches[0], PathIndex: -1}, nil
		default:
			defs := make([]string, len(matches))
			for i, m := range matches {
				defs[i] = m.Name + " AS (" + m.Definition + ")"
			}
			return Resolved{}, errors.NewAmbiguousTable(id.Name, defs)
		}
	}

	next := path.Iter()
	for i := 0; ; i++ {
		schema, ok := next()
		if !ok {
			break
		}
		if _, found := snap.Table(schema, id.Name); found {
			return Resolved{
				Kind:      KindTable,
				Table:     catalog.TableName{Schema: schema, Name: id.Name},
				PathIndex: i,
			}, nil
		}
	}
	return Resolved{}, errors.NewTableNotFound(id.Name, path.Schemas())
}

// ResolveQuery resolves every table reference of q under path against
// snap and records what the resolution depended on.
func (r *Resolver) ResolveQuery(q *sql.Query, path session.SearchPath, snap *catalog.Snapshot) (*Resolution, error) {
	w := &walker{
		r:     r,
		path:  path,
		snap:  snap,
		stack: scope.New(),
		rw:    sql.Rewrites{},
		res:   newResolution(q.Key(), path, snap.Version()),
	}
	if err := w.query(q); err != nil {
		return nil, err
	}
	w.res.QualifiedSQL = q.Render(w.rw)
	return w.res, nil
}

// ResolveWrite resolves the tables of an INSERT, UPDATE or DELETE.
func (r *Resolver) ResolveWrite(stmt *sql.Write, path session.SearchPath, snap *catalog.Snapshot) (*Resolution, error) {
	w := &walker{
		r:     r,
		path:  path,
		snap:  snap,
		stack: scope.New(),
		res:   newResolution(stmt.Text(), path, snap.Version()),
	}
	out, err := w.refs(stmt.Refs())
	if err != nil {
		return nil, err
	}
	qualified, err := stmt.Render(out)
	if err != nil {
		return nil, err
	}
	w.res.QualifiedSQL = qualified
	return w.res, nil
}

type walker struct {
	r     *Resolver
	path  session.SearchPath
	snap  *catalog.Snapshot
	stack *scope.Stack
	rw    sql.Rewrites
	res   *Resolution
}

// query resolves q. Each WITH binding is visible to later bindings and to
// the body, never to its own definition.
func (w *walker) query(q *sql.Query) error {
	if len(q.CTEs) > 0 {
		w.stack.Push()
		defer w.stack.Pop()
	}

	for _, cte := range q.CTEs {
		if err := w.query(cte.Query); err != nil {
			return err
		}
		w.stack.Bind(scope.Binding{
			Name:       cte.Name,
			Columns:    cte.Columns,
			Definition: cte.Query.Key(),
		})
	}

	out, err := w.refs(q.Refs())
	if err != nil {
		return err
	}
	w.rw[q] = out
	return nil
}

func (w *walker) refs(refs []sql.TableRef) ([]sql.TableRef, error) {
	out := make([]sql.TableRef, len(refs))
	for i, ref := range refs {
		resolved, err := w.r.Resolve(Identifier{Schema: ref.Schema, Name: ref.Name}, w.stack, w.path, w.snap)
		if err != nil {
			return nil, err
		}
		switch resolved.Kind {
		case KindLocal:
			out[i] = ref
			w.res.addLocal(ref.Name)
		case KindTable:
			out[i] = sql.TableRef{Schema: resolved.Table.Schema, Name: resolved.Table.Name}
			w.res.Dependencies.Add(resolved.Table)
			if !ref.Qualified() {
				w.res.addBinding(Binding{Name: ref.Name, Schema: resolved.Table.Schema, PathIndex: resolved.PathIndex})
			}
		}
	}
	return out, nil
}
