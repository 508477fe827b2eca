package auth

import (
	"context"
	"sort"
	"sync"

	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/sql"
)

// Category groups statement kinds for authorization.
type Category string

const (
	// CategoryRead covers queries and session statements.
	CategoryRead Category = "read"
	// CategoryWrite covers INSERT, UPDATE and DELETE.
	CategoryWrite Category = "write"
	// CategoryDDL covers catalog changes and proxied statements.
	CategoryDDL Category = "ddl"
	// CategoryCache covers CREATE CACHE, DROP CACHE and DROP ALL CACHES.
	CategoryCache Category = "cache"
)

// CategoryOf returns the category a statement kind needs.
func CategoryOf(kind sql.StatementKind) Category {
	switch {
	case kind.IsDDL(), kind == sql.KindProxied:
		return CategoryDDL
	case kind.IsWrite():
		return CategoryWrite
	case kind.IsCacheManagement():
		return CategoryCache
	}
	return CategoryRead
}

// Built-in roles.
const (
	RoleAdmin  = "admin"
	RoleReader = "reader"
	RoleWriter = "writer"
)

// AuthorizationService maps roles to the statement categories they may run.
// Absence of a grant is denial.
type AuthorizationService struct {
	mu     sync.RWMutex
	grants map[string]map[Category]bool
}

// NewAuthorizationService creates a service that denies everything.
func NewAuthorizationService() *AuthorizationService {
	return &AuthorizationService{grants: make(map[string]map[Category]bool)}
}

// DefaultAuthorizationService grants the built-in roles: admin may run
// everything, writer may read and write data, reader may only read.
func DefaultAuthorizationService() *AuthorizationService {
	s := NewAuthorizationService()
	s.Grant(RoleAdmin, CategoryRead, CategoryWrite, CategoryDDL, CategoryCache)
	s.Grant(RoleWriter, CategoryRead, CategoryWrite)
	s.Grant(RoleReader, CategoryRead)
	return s
}

// Grant allows role to run statements of the given categories.
func (s *AuthorizationService) Grant(role string, categories ...Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[role] == nil {
		s.grants[role] = make(map[Category]bool)
	}
	for _, c := range categories {
		s.grants[role][c] = true
	}
}

// Revoke removes a grant.
func (s *AuthorizationService) Revoke(role string, category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[role], category)
}

// Allowed reports whether any of the user's roles grants category.
func (s *AuthorizationService) Allowed(user *User, category Category) bool {
	if user == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range user.Roles {
		if s.grants[role][category] {
			return true
		}
	}
	return false
}

// AuthorizeStatement checks the user attached to ctx. A context without a
// user is denied.
func (s *AuthorizationService) AuthorizeStatement(ctx context.Context, kind sql.StatementKind) error {
	user := UserFromContext(ctx)
	if user == nil {
		return errors.NewAccessDenied("", string(kind))
	}
	if !s.Allowed(user, CategoryOf(kind)) {
		return errors.NewAccessDenied(user.Name, string(kind))
	}
	return nil
}

// Categories returns the categories granted to role, sorted.
func (s *AuthorizationService) Categories(role string) []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Category, 0, len(s.grants[role]))
	for c := range s.grants[role] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
