package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/canonica-labs/querycache/internal/errors"
)

// Destination records where a statement was answered.
type Destination string

const (
	DestinationCache    Destination = "cache"
	DestinationUpstream Destination = "upstream"
	DestinationCatalog  Destination = "catalog"
	DestinationSession  Destination = "session"
)

// StatementInfo describes the last statement a session executed.
type StatementInfo struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Destination Destination `json:"destination"`
	CacheName   string      `json:"cache_name,omitempty"`
	Fallback    bool        `json:"fallback"`
	Error       string      `json:"error,omitempty"`
	At          time.Time   `json:"at"`
}

// Session is the state of one client connection.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time

	path     *SearchPathContext
	observed atomic.Uint64

	mu       sync.Mutex
	last     *StatementInfo
	lastUsed time.Time
}

// New creates a session with a fresh id.
func New(user string, searchPath []string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		User:      user,
		CreatedAt: now,
		path:      NewSearchPathContext(searchPath),
		lastUsed:  now,
	}
}

// SearchPath returns the session's search path context.
func (s *Session) SearchPath() *SearchPathContext {
	return s.path
}

// ObserveVersion records that the session caused or saw catalog version v.
// The value only moves forward.
func (s *Session) ObserveVersion(v uint64) {
	for {
		cur := s.observed.Load()
		if v <= cur || s.observed.CompareAndSwap(cur, v) {
			return
		}
	}
}

// ObservedVersion returns the highest catalog version the session has seen.
// Resolution for this session must use a snapshot at least this new.
func (s *Session) ObservedVersion() uint64 {
	return s.observed.Load()
}

// RecordStatement stores info as the last statement.
func (s *Session) RecordStatement(info StatementInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &info
	s.lastUsed = info.At
}

// LastStatement returns the last recorded statement.
func (s *Session) LastStatement() (StatementInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return StatementInfo{}, false
	}
	return *s.last, true
}

// LastUsed returns when the session last ran a statement.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Registry tracks open sessions.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	defaultPath []string
}

// NewRegistry creates a registry whose sessions start on defaultPath.
func NewRegistry(defaultPath []string) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		defaultPath: append([]string(nil), defaultPath...),
	}
}

// Open creates and registers a session. A nil searchPath uses the
// registry default.
func (r *Registry) Open(user string, searchPath []string) *Session {
	if searchPath == nil {
		searchPath = r.defaultPath
	}
	s := New(user, searchPath)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get returns an open session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewSessionNotFound(id)
	}
	return s, nil
}

// Close removes a session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return errors.NewSessionNotFound(id)
	}
	delete(r.sessions, id)
	return nil
}

// CloseIdle removes sessions unused since before cutoff and returns how
// many were closed.
func (r *Registry) CloseIdle(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.LastUsed().Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// List returns the open sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
