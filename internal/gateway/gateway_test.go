package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canonica-labs/querycache/internal/app"
	"github.com/canonica-labs/querycache/internal/auth"
	"github.com/canonica-labs/querycache/internal/backend/backendtest"
	"github.com/canonica-labs/querycache/internal/bootstrap"
	"github.com/canonica-labs/querycache/internal/config"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/pkg/api"
	"github.com/canonica-labs/querycache/pkg/models"
)

const (
	adminToken  = "admin-token"
	readerToken = "reader-token"
)

type testGateway struct {
	*Gateway
	fake *backendtest.Fake
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Users = []config.UserConfig{
		{Name: "admin", Token: adminToken, Roles: []string{auth.RoleAdmin}},
		{Name: "reader", Token: readerToken, Roles: []string{auth.RoleReader}},
	}
	fake := backendtest.New()
	a, err := app.Build(context.Background(), cfg, nil, app.Options{Backend: fake, Authorize: true})
	if err != nil {
		t.Fatalf("app.Build: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	gw, err := NewGateway(a, Config{Version: "test"})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return &testGateway{Gateway: gw, fake: fake}
}

func (g *testGateway) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(api.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) statement(t *testing.T, token, sessionID, sql string) models.StatementResponse {
	t.Helper()
	rec := g.do(t, http.MethodPost, api.EndpointStatements, token, models.StatementRequest{SessionID: sessionID, SQL: sql})
	if rec.Code != http.StatusOK {
		t.Fatalf("%s: status %d: %s", sql, rec.Code, rec.Body.String())
	}
	var resp models.StatementResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

// ============== Health ==============

func TestHealthEndpointsArePublic(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, api.EndpointHealth, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	var health HealthResponse
	decode(t, rec, &health)
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}
	if rec.Header().Get(api.HeaderRequestID) == "" {
		t.Error("missing request id header")
	}

	if rec := g.do(t, http.MethodGet, api.EndpointLive, "", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, api.EndpointReady, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d: %s", rec.Code, rec.Body.String())
	}

	g.fake.SetPingError(fmt.Errorf("connection refused"))
	rec = g.do(t, http.MethodGet, api.EndpointReady, "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz = %d, want 503", rec.Code)
	}
	var resp ReadinessResponse
	decode(t, rec, &resp)
	if resp.Status != "not_ready" || resp.Components["backend"].Ready {
		t.Errorf("readiness = %+v", resp)
	}
}

// ============== Authentication ==============

func TestAuthentication(t *testing.T) {
	g := newTestGateway(t)

	testCases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"unknown token", "nope", http.StatusUnauthorized},
		{"valid token", readerToken, http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.do(t, http.MethodGet, api.EndpointAuth, tc.token, nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestReaderCannotRunDDL(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodPost, api.EndpointStatements, readerToken, models.StatementRequest{SQL: "CREATE SCHEMA x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	var resp models.ErrorResponse
	decode(t, rec, &resp)
	if resp.Suggestion == "" {
		t.Error("error response without suggestion")
	}
}

// ============== Sessions and statements ==============

func TestSessionCarriesSearchPath(t *testing.T) {
	g := newTestGateway(t)
	g.statement(t, adminToken, "", "CREATE SCHEMA sales")
	g.statement(t, adminToken, "", "CREATE TABLE sales.orders (id INT)")

	rec := g.do(t, http.MethodPost, api.EndpointSessions, adminToken, models.OpenSessionRequest{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session = %d", rec.Code)
	}
	var info models.SessionInfo
	decode(t, rec, &info)
	if len(info.SearchPath) != 1 || info.SearchPath[0] != "public" {
		t.Errorf("search path = %v", info.SearchPath)
	}

	g.statement(t, adminToken, info.ID, "SET search_path = sales")
	resp := g.statement(t, adminToken, info.ID, "SELECT * FROM orders")
	if resp.Destination != "upstream" || len(resp.Tables) != 1 || resp.Tables[0] != "sales.orders" {
		t.Errorf("resp = %+v", resp)
	}

	// Another user cannot see the session.
	rec = g.do(t, http.MethodPost, api.EndpointStatements, readerToken,
		models.StatementRequest{SessionID: info.ID, SQL: "SELECT 1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign session = %d, want 404", rec.Code)
	}

	if rec := g.do(t, http.MethodDelete, api.EndpointSessions+"/"+info.ID, adminToken, nil); rec.Code != http.StatusNoContent {
		t.Errorf("close = %d", rec.Code)
	}
	if rec := g.do(t, http.MethodGet, api.EndpointSessions+"/"+info.ID, adminToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("closed session = %d, want 404", rec.Code)
	}
}

func TestStatementErrorsMapToStatus(t *testing.T) {
	g := newTestGateway(t)

	testCases := []struct {
		name string
		sql  string
		want int
	}{
		{"unknown table", "SELECT * FROM missing", http.StatusNotFound},
		{"duplicate schema", "CREATE SCHEMA public", http.StatusConflict},
		{"malformed cache statement", "DROP CACHE", http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.do(t, http.MethodPost, api.EndpointStatements, adminToken, models.StatementRequest{SQL: tc.sql})
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}

	rec := g.do(t, http.MethodPost, api.EndpointStatements, adminToken, `{"sql": "SELECT 1", "bogus": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", rec.Code)
	}
}

// ============== Caches ==============

func TestCacheEndpoints(t *testing.T) {
	g := newTestGateway(t)
	g.statement(t, adminToken, "", "CREATE TABLE public.events (id INT)")
	created := g.statement(t, adminToken, "", "CREATE CACHE ev FROM SELECT * FROM events")
	if created.CacheName != "ev" || created.CacheState != "valid" {
		t.Fatalf("created = %+v", created)
	}

	rec := g.do(t, http.MethodGet, api.EndpointCaches, readerToken, nil)
	var list models.CachesResponse
	decode(t, rec, &list)
	if len(list.Caches) != 1 || list.Caches[0].Dependencies[0] != "public.events" {
		t.Fatalf("caches = %+v", list.Caches)
	}

	served := g.statement(t, readerToken, "", "SELECT * FROM events")
	if served.Destination != "cache" || served.CacheName != "ev" {
		t.Errorf("served = %+v", served)
	}

	if rec := g.do(t, http.MethodDelete, api.EndpointCaches+"/ev", readerToken, nil); rec.Code != http.StatusForbidden {
		t.Errorf("reader drop = %d, want 403", rec.Code)
	}
	if rec := g.do(t, http.MethodDelete, api.EndpointCaches+"/ev", adminToken, nil); rec.Code != http.StatusOK {
		t.Errorf("admin drop = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := g.do(t, http.MethodGet, api.EndpointCaches+"/ev", adminToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get dropped = %d, want 404", rec.Code)
	}
}

// ============== Catalog and bootstrap ==============

func TestCatalogAndBootstrap(t *testing.T) {
	g := newTestGateway(t)
	doc := `
schemas:
  - name: sales
    tables:
      - name: orders
        columns: [{name: id, type: int}]
caches:
  - name: all_orders
    query: SELECT * FROM orders
    search_path: [sales]
`
	rec := g.do(t, http.MethodPost, api.EndpointBootstrap+"?dry_run=true", adminToken, doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("dry run = %d: %s", rec.Code, rec.Body.String())
	}
	var plan bootstrap.ApplyResult
	decode(t, rec, &plan)
	if len(plan.Changes) != 3 || len(plan.Statements) != 0 {
		t.Errorf("plan = %+v", plan)
	}

	if rec := g.do(t, http.MethodPost, api.EndpointBootstrap, readerToken, doc); rec.Code != http.StatusForbidden {
		t.Errorf("reader bootstrap = %d, want 403", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, api.EndpointBootstrap, adminToken, doc); rec.Code != http.StatusOK {
		t.Fatalf("apply = %d: %s", rec.Code, rec.Body.String())
	}

	rec = g.do(t, http.MethodGet, api.EndpointCatalog, readerToken, nil)
	var cat models.CatalogResponse
	decode(t, rec, &cat)
	var found bool
	for _, s := range cat.Schemas {
		for _, tbl := range s.Tables {
			if s.Name == "sales" && tbl.Name == "orders" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("catalog = %+v, want sales.orders", cat)
	}

	if rec := g.do(t, http.MethodPost, api.EndpointCatalogSync, adminToken, nil); rec.Code == http.StatusOK {
		t.Error("sync succeeded on a backend without information_schema")
	}
}

// ============== Summary ==============

func TestSummaryCountsStatements(t *testing.T) {
	g := newTestGateway(t)
	g.statement(t, adminToken, "", "CREATE TABLE public.t (id INT)")
	g.statement(t, adminToken, "", "SELECT * FROM t")
	g.do(t, http.MethodPost, api.EndpointStatements, adminToken, models.StatementRequest{SQL: "SELECT * FROM nope"})

	rec := g.do(t, http.MethodGet, api.EndpointSummary, readerToken, nil)
	var summary observability.Summary
	decode(t, rec, &summary)
	if summary.Statements != 3 || summary.Errors != 1 || summary.Upstream != 1 {
		t.Errorf("summary = %+v", summary)
	}

	rec = g.do(t, http.MethodGet, api.EndpointStatus, readerToken, nil)
	if !strings.Contains(rec.Body.String(), `"catalog_version":1`) {
		t.Errorf("status = %s", rec.Body.String())
	}
}
