// Package cache holds cached queries and their lifecycle.
//
// An entry is keyed by the normalized query text and moves between three
// states: Valid (served from its artifact), Stale (a dependency changed)
// and Fallback (served by direct execution). A missing entry is Uncached.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/resolver"
)

// State is the lifecycle state of a cached query.
type State string

const (
	StateValid    State = "valid"
	StateStale    State = "stale"
	StateFallback State = "fallback"
)

// Artifact is what a Valid entry is served from.
type Artifact struct {
	// QualifiedSQL is the query with every table schema-qualified.
	QualifiedSQL string    `json:"qualified_sql"`
	Backend      string    `json:"backend"`
	Columns      []string  `json:"columns,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Entry is a point-in-time copy of a cached query.
type Entry struct {
	Name       string               `json:"name"`
	Key        string               `json:"key"`
	QueryText  string               `json:"query_text"`
	Resolution *resolver.Resolution `json:"resolution"`
	State      State                `json:"state"`
	Artifact   Artifact             `json:"artifact"`

	// Generation changes on every state or resolution change. It is the
	// token for compare-and-use serving.
	Generation uint64 `json:"generation"`

	StaleReason string    `json:"stale_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Hits        uint64    `json:"hits"`
	Fallbacks   uint64    `json:"fallbacks"`
}

// Dependencies returns the resolved dependency set.
func (e Entry) Dependencies() resolver.DependencySet {
	if e.Resolution == nil {
		return nil
	}
	return e.Resolution.Dependencies
}

// AdmissionGuard reports whether the catalog changed in a way that affects
// res since res was computed. It is consulted under the cache lock on
// register and recreate.
type AdmissionGuard interface {
	Diverged(res *resolver.Resolution) (bool, string)
}

// EventKind names an entry transition.
type EventKind string

const (
	EventRegistered  EventKind = "registered"
	EventRecreated   EventKind = "recreated"
	EventInvalidated EventKind = "invalidated"
	EventFallback    EventKind = "fallback"
	EventDropped     EventKind = "dropped"
)

// Event describes a transition.
type Event struct {
	Kind  EventKind
	Entry Entry

	// Seq orders events. A later transition of the same key always has a
	// larger Seq. For everything but drops it equals Entry.Generation.
	Seq uint64
}

// Observer is called after a transition, outside the cache lock. Events
// of concurrent transitions may reach an observer out of order; Seq
// restores the order.
type Observer func(Event)

// Options configures a QueryCache.
type Options struct {
	// MemoSize is how many result sets are memoized. Zero disables the memo.
	MemoSize int
}

type record struct {
	Entry
	hits      atomic.Uint64
	fallbacks atomic.Uint64
}

func (r *record) snapshot() Entry {
	e := r.Entry
	e.Hits = r.hits.Load()
	e.Fallbacks = r.fallbacks.Load()
	return e
}

type memoEntry struct {
	generation uint64
	result     *backend.Result
}

// QueryCache stores cached queries.
type QueryCache struct {
	mu         sync.RWMutex
	byKey      map[string]*record
	byName     map[string]string
	generation uint64
	guard      AdmissionGuard
	observers  []Observer

	memo *lru.Cache
	now  func() time.Time
}

// New creates an empty cache.
func New(opts Options) (*QueryCache, error) {
	c := &QueryCache{
		byKey:  make(map[string]*record),
		byName: make(map[string]string),
		now:    time.Now,
	}
	if opts.MemoSize > 0 {
		memo, err := lru.New(opts.MemoSize)
		if err != nil {
			return nil, fmt.Errorf("cache: create result memo: %w", err)
		}
		c.memo = memo
	}
	return c, nil
}

// GenerateName derives the name of an unnamed cache from its key.
func GenerateName(key string) string {
	return fmt.Sprintf("q_%016x", xxhash.Sum64String(key))
}

// SetGuard installs the admission guard.
func (c *QueryCache) SetGuard(g AdmissionGuard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = g
}

// Subscribe registers an observer for every future transition.
func (c *QueryCache) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Register creates or overwrites the entry for key in Valid state. An
// empty name keeps the existing entry's name or generates one. If the
// guard reports that the catalog moved under res, the entry is stored
// Stale instead.
func (c *QueryCache) Register(name, key, text string, res *resolver.Resolution, art Artifact) (Entry, error) {
	c.mu.Lock()

	if name != "" {
		if other, taken := c.byName[name]; taken && other != key {
			query := c.byKey[other].QueryText
			c.mu.Unlock()
			return Entry{}, errors.NewCacheNameConflict(name, query)
		}
	}

	now := c.now().UTC()
	rec, exists := c.byKey[key]
	kind := EventRegistered
	if exists {
		kind = EventRecreated
		if name != "" && name != rec.Name {
			delete(c.byName, rec.Name)
			rec.Name = name
		}
	} else {
		if name == "" {
			name = GenerateName(key)
		}
		rec = &record{Entry: Entry{Name: name, Key: key, CreatedAt: now}}
		c.byKey[key] = rec
	}
	c.byName[rec.Name] = key

	rec.QueryText = text
	c.admit(rec, res, art, now)
	ev := c.event(kind, rec)
	observers := c.observers
	c.mu.Unlock()

	c.notify(observers, ev)
	return ev.Entry, nil
}

// Load inserts a persisted entry with the state the caller decided on,
// bypassing the admission guard. It is meant for startup.
func (c *QueryCache) Load(e Entry) error {
	if e.Name == "" {
		e.Name = GenerateName(e.Key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if other, taken := c.byName[e.Name]; taken && other != e.Key {
		return errors.NewCacheNameConflict(e.Name, c.byKey[other].QueryText)
	}
	if old, ok := c.byKey[e.Key]; ok && old.Name != e.Name {
		delete(c.byName, old.Name)
	}

	rec := &record{Entry: e}
	rec.hits.Store(e.Hits)
	rec.fallbacks.Store(e.Fallbacks)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now().UTC()
	}
	c.byKey[e.Key] = rec
	c.byName[e.Name] = e.Key
	// Generations keep counting from the highest one persisted, so later
	// writes of this entry supersede the stored row.
	if e.Generation > c.generation {
		c.generation = e.Generation
	}
	c.bump(rec, c.now().UTC())
	return nil
}

// Recreate recomputes an existing entry with a fresh resolution, moving it
// back to Valid. Recreating a Valid entry with an identical resolution is
// a no-op.
func (c *QueryCache) Recreate(key string, res *resolver.Resolution, art Artifact) (Entry, error) {
	c.mu.Lock()

	rec, ok := c.byKey[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, errors.NewCacheNotFound(key)
	}
	if rec.State == StateValid && rec.Resolution.SameBindings(res) {
		e := rec.snapshot()
		c.mu.Unlock()
		return e, nil
	}

	c.admit(rec, res, art, c.now().UTC())
	ev := c.event(EventRecreated, rec)
	observers := c.observers
	c.mu.Unlock()

	c.notify(observers, ev)
	return ev.Entry, nil
}

// admit stores res and art on rec and sets its state. c.mu must be held.
func (c *QueryCache) admit(rec *record, res *resolver.Resolution, art Artifact, now time.Time) {
	rec.Resolution = res
	rec.Artifact = art
	rec.State = StateValid
	rec.StaleReason = ""
	if c.guard != nil {
		if diverged, reason := c.guard.Diverged(res); diverged {
			rec.State = StateStale
			rec.StaleReason = reason
		}
	}
	c.bump(rec, now)
}

// Invalidate moves a Valid entry to Stale. It returns false, changing
// nothing, when the entry is missing or not Valid.
func (c *QueryCache) Invalidate(key, reason string) bool {
	return c.transition(key, 0, StateValid, StateStale, reason, EventInvalidated)
}

// InvalidateGeneration is Invalidate restricted to the given generation,
// so an entry recreated in the meantime is left alone.
func (c *QueryCache) InvalidateGeneration(key string, generation uint64, reason string) bool {
	return c.transition(key, generation, StateValid, StateStale, reason, EventInvalidated)
}

// MarkFallback moves a Valid entry to Fallback after its artifact failed
// to serve. generation must match the entry that was served.
func (c *QueryCache) MarkFallback(key string, generation uint64, reason string) bool {
	return c.transition(key, generation, StateValid, StateFallback, reason, EventFallback)
}

// AcknowledgeStale moves a Stale entry to Fallback once its staleness has
// been reported to a caller.
func (c *QueryCache) AcknowledgeStale(key string, generation uint64) bool {
	return c.transition(key, generation, StateStale, StateFallback, "", EventFallback)
}

// transition moves key from one state to another. A zero generation
// matches any generation.
func (c *QueryCache) transition(key string, generation uint64, from, to State, reason string, kind EventKind) bool {
	c.mu.Lock()
	rec, ok := c.byKey[key]
	if !ok || rec.State != from || (generation != 0 && rec.Generation != generation) {
		c.mu.Unlock()
		return false
	}
	rec.State = to
	if reason != "" {
		rec.StaleReason = reason
	}
	c.bump(rec, c.now().UTC())
	ev := c.event(kind, rec)
	observers := c.observers
	c.mu.Unlock()

	c.notify(observers, ev)
	return true
}

// bump advances the entry's generation and drops its memoized result.
// c.mu must be held.
func (c *QueryCache) bump(rec *record, now time.Time) {
	c.generation++
	rec.Generation = c.generation
	rec.UpdatedAt = now
	if c.memo != nil {
		c.memo.Remove(rec.Key)
	}
}

// event describes a transition of rec. c.mu must be held.
func (c *QueryCache) event(kind EventKind, rec *record) Event {
	e := rec.snapshot()
	return Event{Kind: kind, Entry: e, Seq: e.Generation}
}

// dropEvent describes the removal of rec. A drop does not change the
// entry, so it takes the next sequence number for itself. c.mu must be held.
func (c *QueryCache) dropEvent(rec *record) Event {
	c.generation++
	return Event{Kind: EventDropped, Entry: rec.snapshot(), Seq: c.generation}
}

// StillValid reports whether key is Valid at generation.
func (c *QueryCache) StillValid(key string, generation uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byKey[key]
	return ok && rec.State == StateValid && rec.Generation == generation
}

// Get returns the entry for key.
func (c *QueryCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(), true
}

// GetByName returns the entry with the given name.
func (c *QueryCache) GetByName(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byName[name]
	if !ok {
		return Entry{}, false
	}
	return c.byKey[key].snapshot(), true
}

// RecordHit counts a serve from the artifact.
func (c *QueryCache) RecordHit(key string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rec, ok := c.byKey[key]; ok {
		rec.hits.Add(1)
	}
}

// RecordFallback counts a serve by direct execution.
func (c *QueryCache) RecordFallback(key string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rec, ok := c.byKey[key]; ok {
		rec.fallbacks.Add(1)
	}
}

// Drop removes a cache by name.
func (c *QueryCache) Drop(name string) (Entry, error) {
	c.mu.Lock()
	key, ok := c.byName[name]
	if !ok {
		c.mu.Unlock()
		return Entry{}, errors.NewCacheNotFound(name)
	}
	rec := c.byKey[key]
	delete(c.byName, name)
	delete(c.byKey, key)
	if c.memo != nil {
		c.memo.Remove(key)
	}
	ev := c.dropEvent(rec)
	observers := c.observers
	c.mu.Unlock()

	c.notify(observers, ev)
	return ev.Entry, nil
}

// DropAll removes every cache and returns how many were dropped.
func (c *QueryCache) DropAll() int {
	c.mu.Lock()
	events := make([]Event, 0, len(c.byKey))
	for _, rec := range c.byKey {
		events = append(events, c.dropEvent(rec))
	}
	c.byKey = make(map[string]*record)
	c.byName = make(map[string]string)
	if c.memo != nil {
		c.memo.Purge()
	}
	observers := c.observers
	c.mu.Unlock()

	for _, ev := range events {
		c.notify(observers, ev)
	}
	return len(events)
}

// Entries returns every entry ordered by name.
func (c *QueryCache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.byKey))
	for _, rec := range c.byKey {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DependentsOf returns the entries whose dependency set contains t.
func (c *QueryCache) DependentsOf(t catalog.TableName) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, rec := range c.byKey {
		if rec.Resolution != nil && rec.Resolution.Dependencies.Contains(t) {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remember memoizes the result of serving key at generation.
func (c *QueryCache) Remember(key string, generation uint64, result *backend.Result) {
	if c.memo == nil || !c.StillValid(key, generation) {
		return
	}
	c.memo.Add(key, memoEntry{generation: generation, result: result})
}

// Recall returns the memoized result of key at generation.
func (c *QueryCache) Recall(key string, generation uint64) (*backend.Result, bool) {
	if c.memo == nil {
		return nil, false
	}
	v, ok := c.memo.Get(key)
	if !ok {
		return nil, false
	}
	m := v.(memoEntry)
	if m.generation != generation {
		return nil, false
	}
	return m.result, true
}

// EvictResults drops memoized results of every entry depending on t. It is
// called after writes to t; the entries themselves stay Valid.
func (c *QueryCache) EvictResults(t catalog.TableName) int {
	if c.memo == nil {
		return 0
	}
	n := 0
	for _, e := range c.DependentsOf(t) {
		if c.memo.Contains(e.Key) {
			c.memo.Remove(e.Key)
			n++
		}
	}
	return n
}

// PurgeResults drops every memoized result. It is called after statements
// whose effect on tables is unknown.
func (c *QueryCache) PurgeResults() int {
	if c.memo == nil {
		return 0
	}
	n := c.memo.Len()
	c.memo.Purge()
	return n
}

// Stats summarizes the cache.
type Stats struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Stale    int `json:"stale"`
	Fallback int `json:"fallback"`
	Memoized int `json:"memoized"`
}

// Stats returns counts per state.
func (c *QueryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Total: len(c.byKey)}
	for _, rec := range c.byKey {
		switch rec.State {
		case StateValid:
			s.Valid++
		case StateStale:
			s.Stale++
		case StateFallback:
			s.Fallback++
		}
	}
	if c.memo != nil {
		s.Memoized = c.memo.Len()
	}
	return s
}

func (c *QueryCache) notify(observers []Observer, ev Event) {
	for _, o := range observers {
		o(ev)
	}
}
