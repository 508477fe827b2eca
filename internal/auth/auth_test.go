package auth

import (
	"context"
	"testing"
	"time"

	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/sql"
)

// ============== Authentication ==============

func TestValidateToken(t *testing.T) {
	a := NewStaticTokenAuthenticator()
	a.RegisterToken("good", &User{ID: "1", Name: "alice", Roles: []string{RoleReader}})
	a.RegisterToken("old", &User{ID: "2", Name: "bob", ExpiresAt: time.Now().Add(-time.Minute)})

	testCases := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", "good", false},
		{"empty", "", true},
		{"unknown", "nope", true},
		{"expired", "old", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := a.ValidateToken(context.Background(), tc.token)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got user %+v", user)
				}
				if errors.CodeOf(err) != errors.CodeAuth {
					t.Errorf("code = %v, want auth", errors.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Name != "alice" {
				t.Errorf("user = %s, want alice", user.Name)
			}
		})
	}
	if a.Len() != 2 {
		t.Errorf("Len = %d, want 2", a.Len())
	}
}

func TestUserContextRoundTrip(t *testing.T) {
	if UserFromContext(context.Background()) != nil {
		t.Fatal("empty context carries a user")
	}
	u := &User{Name: "alice"}
	if got := UserFromContext(ContextWithUser(context.Background(), u)); got != u {
		t.Errorf("got %+v, want %+v", got, u)
	}
}

// ============== Authorization ==============

func TestCategoryOf(t *testing.T) {
	testCases := []struct {
		kind sql.StatementKind
		want Category
	}{
		{sql.KindSelect, CategoryRead},
		{sql.KindShowCaches, CategoryRead},
		{sql.KindSetSearchPath, CategoryRead},
		{sql.KindExplainLast, CategoryRead},
		{sql.KindInsert, CategoryWrite},
		{sql.KindDelete, CategoryWrite},
		{sql.KindCreateTable, CategoryDDL},
		{sql.KindDropSchema, CategoryDDL},
		{sql.KindProxied, CategoryDDL},
		{sql.KindShowProxied, CategoryRead},
		{sql.KindCreateCache, CategoryCache},
		{sql.KindDropAllCaches, CategoryCache},
	}
	for _, tc := range testCases {
		if got := CategoryOf(tc.kind); got != tc.want {
			t.Errorf("CategoryOf(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestAuthorizeStatement(t *testing.T) {
	s := DefaultAuthorizationService()
	s.Grant("analyst", CategoryRead, CategoryCache)

	testCases := []struct {
		name    string
		user    *User
		kind    sql.StatementKind
		allowed bool
	}{
		{"no user", nil, sql.KindSelect, false},
		{"reader selects", &User{Name: "r", Roles: []string{RoleReader}}, sql.KindSelect, true},
		{"reader inserts", &User{Name: "r", Roles: []string{RoleReader}}, sql.KindInsert, false},
		{"writer inserts", &User{Name: "w", Roles: []string{RoleWriter}}, sql.KindInsert, true},
		{"writer creates table", &User{Name: "w", Roles: []string{RoleWriter}}, sql.KindCreateTable, false},
		{"analyst caches", &User{Name: "a", Roles: []string{"analyst"}}, sql.KindCreateCache, true},
		{"admin drops schema", &User{Name: "root", Roles: []string{RoleAdmin}}, sql.KindDropSchema, true},
		{"unknown role", &User{Name: "x", Roles: []string{"guest"}}, sql.KindSelect, false},
		{"any role suffices", &User{Name: "y", Roles: []string{"guest", RoleReader}}, sql.KindShowCaches, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.user != nil {
				ctx = ContextWithUser(ctx, tc.user)
			}
			err := s.AuthorizeStatement(ctx, tc.kind)
			if tc.allowed && err != nil {
				t.Fatalf("unexpected denial: %v", err)
			}
			if !tc.allowed {
				if err == nil {
					t.Fatal("expected denial")
				}
				if _, ok := err.(*errors.ErrAccessDenied); !ok {
					t.Errorf("error type = %T, want *ErrAccessDenied", err)
				}
			}
		})
	}
}

func TestRevoke(t *testing.T) {
	s := DefaultAuthorizationService()
	s.Revoke(RoleWriter, CategoryWrite)

	ctx := ContextWithUser(context.Background(), &User{Name: "w", Roles: []string{RoleWriter}})
	if err := s.AuthorizeStatement(ctx, sql.KindUpdate); err == nil {
		t.Error("revoked grant still allows writes")
	}
	if got := s.Categories(RoleWriter); len(got) != 1 || got[0] != CategoryRead {
		t.Errorf("Categories = %v, want [read]", got)
	}
}
