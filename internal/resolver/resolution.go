package resolver

import (
	"encoding/json"
	"sort"

	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/session"
)

// DependencySet is the set of catalog tables a resolution consulted.
type DependencySet map[catalog.TableName]struct{}

// NewDependencySet returns a set holding tables.
func NewDependencySet(tables ...catalog.TableName) DependencySet {
	d := make(DependencySet, len(tables))
	for _, t := range tables {
		d.Add(t)
	}
	return d
}

// Add inserts t.
func (d DependencySet) Add(t catalog.TableName) {
	d[t] = struct{}{}
}

// Contains reports whether t is in the set.
func (d DependencySet) Contains(t catalog.TableName) bool {
	_, ok := d[t]
	return ok
}

// InSchema reports whether any dependency lives in schema.
func (d DependencySet) InSchema(schema string) bool {
	for t := range d {
		if t.Schema == schema {
			return true
		}
	}
	return false
}

// Sorted returns the tables ordered by qualified name.
func (d DependencySet) Sorted() []catalog.TableName {
	out := make([]catalog.TableName, 0, len(d))
	for t := range d {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Strings returns the qualified names in order.
func (d DependencySet) Strings() []string {
	sorted := d.Sorted()
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = t.String()
	}
	return out
}

// Equal reports whether both sets hold the same tables.
func (d DependencySet) Equal(o DependencySet) bool {
	if len(d) != len(o) {
		return false
	}
	for t := range d {
		if !o.Contains(t) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (d DependencySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Sorted())
}

// UnmarshalJSON decodes an array of tables.
func (d *DependencySet) UnmarshalJSON(data []byte) error {
	var tables []catalog.TableName
	if err := json.Unmarshal(data, &tables); err != nil {
		return err
	}
	*d = NewDependencySet(tables...)
	return nil
}

// Binding records that an unqualified name was bound to a catalog table
// found at PathIndex on the search path. A table of the same name created
// in a schema earlier on that path would change the binding.
type Binding struct {
	Name      string `json:"name"`
	Schema    string `json:"schema"`
	PathIndex int    `json:"path_index"`
}

// Resolution is everything a query's resolution depended on.
type Resolution struct {
	// Key is the normalized statement text.
	Key string `json:"key"`

	// SearchPath is the path the statement was resolved under.
	SearchPath session.SearchPath `json:"search_path"`

	// CatalogVersion is the version of the snapshot that was consulted.
	CatalogVersion uint64 `json:"catalog_version"`

	Dependencies DependencySet `json:"dependencies"`
	Bindings     []Binding     `json:"bindings,omitempty"`

	// LocalReferences are names bound by WITH clauses.
	LocalReferences []string `json:"local_references,omitempty"`

	// QualifiedSQL is the statement with every catalog reference
	// schema-qualified.
	QualifiedSQL string `json:"qualified_sql"`
}

func newResolution(key string, path session.SearchPath, version uint64) *Resolution {
	return &Resolution{
		Key:            key,
		SearchPath:     path,
		CatalogVersion: version,
		Dependencies:   make(DependencySet),
	}
}

func (r *Resolution) addBinding(b Binding) {
	for _, existing := range r.Bindings {
		if existing.Name == b.Name {
			return
		}
	}
	r.Bindings = append(r.Bindings, b)
}

func (r *Resolution) addLocal(name string) {
	for _, existing := range r.LocalReferences {
		if existing == name {
			return
		}
	}
	r.LocalReferences = append(r.LocalReferences, name)
}

// BindingFor returns the unqualified catalog binding of name, if any.
func (r *Resolution) BindingFor(name string) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return Binding{}, false
}

// SameBindings reports whether o resolved to the same tables and produced
// the same qualified statement. The catalog version is not compared.
func (r *Resolution) SameBindings(o *Resolution) bool {
	if o == nil {
		return false
	}
	return r.QualifiedSQL == o.QualifiedSQL && r.Dependencies.Equal(o.Dependencies)
}
