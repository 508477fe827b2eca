// Package session holds per-connection state: the search path used to
// resolve unqualified names and bookkeeping about the last statement.
package session

import (
	"encoding/json"
	"strings"
	"sync"
)

// SearchPath is an ordered list of schema names consulted for unqualified
// table names. It is an immutable value; Set on a SearchPathContext swaps
// in a new one.
type SearchPath struct {
	paths []string
}

// MakeSearchPath returns a SearchPath over a copy of paths. Empty entries
// are dropped; duplicates keep their first position.
func MakeSearchPath(paths []string) SearchPath {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return SearchPath{paths: out}
}

// Iter returns an iterator through the search path in order.
func (s SearchPath) Iter() func() (next string, ok bool) {
	i := 0
	return func() (next string, ok bool) {
		if i < len(s.paths) {
			i++
			return s.paths[i-1], true
		}
		return "", false
	}
}

// Schemas returns a copy of the schema names.
func (s SearchPath) Schemas() []string {
	return append([]string(nil), s.paths...)
}

// Len returns the number of schemas on the path.
func (s SearchPath) Len() int {
	return len(s.paths)
}

// First returns the schema unqualified objects are created in.
func (s SearchPath) First() (string, bool) {
	if len(s.paths) == 0 {
		return "", false
	}
	return s.paths[0], true
}

// Index returns the position of schema on the path, or -1.
func (s SearchPath) Index(schema string) int {
	for i, p := range s.paths {
		if p == schema {
			return i
		}
	}
	return -1
}

// Equal reports whether both paths list the same schemas in the same order.
func (s SearchPath) Equal(o SearchPath) bool {
	if len(s.paths) != len(o.paths) {
		return false
	}
	for i := range s.paths {
		if s.paths[i] != o.paths[i] {
			return false
		}
	}
	return true
}

func (s SearchPath) String() string {
	return strings.Join(s.paths, ", ")
}

// MarshalJSON encodes the path as a JSON array.
func (s SearchPath) MarshalJSON() ([]byte, error) {
	if s.paths == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.paths)
}

// UnmarshalJSON decodes a JSON array of schema names.
func (s *SearchPath) UnmarshalJSON(data []byte) error {
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return err
	}
	*s = MakeSearchPath(paths)
	return nil
}

// SearchPathContext is the mutable, per-session holder of a SearchPath.
type SearchPathContext struct {
	mu      sync.RWMutex
	current SearchPath
	initial SearchPath
}

// NewSearchPathContext creates a context whose current and default path
// are initial.
func NewSearchPathContext(initial []string) *SearchPathContext {
	p := MakeSearchPath(initial)
	return &SearchPathContext{current: p, initial: p}
}

// Set replaces the current search path.
func (c *SearchPathContext) Set(paths []string) SearchPath {
	p := MakeSearchPath(paths)
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
	return p
}

// Reset restores the path the context was created with.
func (c *SearchPathContext) Reset() SearchPath {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.initial
	return c.current
}

// Current returns an immutable snapshot of the search path.
func (c *SearchPathContext) Current() SearchPath {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}
