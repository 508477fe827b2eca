package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/canonica-labs/querycache/internal/app"
	"github.com/canonica-labs/querycache/internal/auth"
	"github.com/canonica-labs/querycache/internal/backend/backendtest"
	"github.com/canonica-labs/querycache/internal/config"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/gateway"
	"github.com/canonica-labs/querycache/pkg/models"
)

const (
	adminToken  = "admin-token"
	readerToken = "reader-token"
)

type run struct {
	code   int
	stdout string
	stderr string
}

// writeConfig writes a config file so tests do not pick up one from the
// home directory.
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  driver: duckdb\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs one CLI invocation. A non-nil fake is the backend of local
// mode.
func execute(t *testing.T, fake *backendtest.Fake, stdin string, args ...string) run {
	t.Helper()
	c := New()
	if fake != nil {
		c.localBackend = fake
	}
	var out, errOut bytes.Buffer
	c.SetIO(strings.NewReader(stdin), &out, &errOut)
	c.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	code := c.Execute()
	return run{code: code, stdout: out.String(), stderr: errOut.String()}
}

// newTestServer starts a gateway over a fake backend.
func newTestServer(t *testing.T) (*httptest.Server, *backendtest.Fake) {
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
	gw, err := gateway.NewGateway(a, gateway.Config{Version: "test"})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv, fake
}

// ============== Exit codes ==============

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"validation", errors.NewQueryRejected("x", "bad", "fix"), ExitValidation},
		{"not found", errors.NewCacheNotFound("hot"), ExitValidation},
		{"stale", errors.NewStaleCacheAccess("hot", "dropped"), ExitValidation},
		{"auth", errors.NewAuthFailed("no token"), ExitAuth},
		{"access denied", errors.NewAccessDenied("bob", "DROP TABLE t"), ExitAuth},
		{"engine", errors.NewBackendUnavailable("fake", "down"), ExitEngine},
		{"foreign", fmt.Errorf("boom"), ExitInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode = %d, want %d", got, tc.want)
			}
		})
	}
}

// ============== Local mode ==============

func TestExecLocalSharesOneSession(t *testing.T) {
	fake := backendtest.New()
	r := execute(t, fake, "", "--local", "exec",
		"CREATE SCHEMA sales",
		"CREATE TABLE sales.orders (id INT)",
		"SET search_path = sales",
		"SELECT id FROM orders")
	if r.code != ExitSuccess {
		t.Fatalf("exit %d: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stdout, "SET search_path = sales") || !strings.Contains(r.stdout, "(1 row)") {
		t.Errorf("stdout = %q", r.stdout)
	}

	queries := fake.Queries()
	if len(queries) == 0 || !strings.Contains(queries[len(queries)-1], "sales.orders") {
		t.Errorf("upstream queries = %q, want the qualified table", queries)
	}
}

func TestExecStopsAtFirstError(t *testing.T) {
	fake := backendtest.New()
	r := execute(t, fake, "", "--local", "exec", "SELECT * FROM missing", "CREATE SCHEMA never")
	if r.code != ExitValidation {
		t.Fatalf("exit %d, want %d: %s", r.code, ExitValidation, r.stderr)
	}
	if !strings.Contains(r.stderr, "Error:") {
		t.Errorf("stderr = %q", r.stderr)
	}
	for _, q := range fake.Execs() {
		if strings.Contains(q, "never") {
			t.Error("statement after the failure was executed")
		}
	}
}

func TestExecReadsScriptFromStdin(t *testing.T) {
	script := "CREATE SCHEMA s;\nCREATE TABLE s.t (id INT, note TEXT);\nSET search_path = s;\nCREATE CACHE hot FROM SELECT id FROM t WHERE note = 'a;b';\n"
	r := execute(t, backendtest.New(), script, "--local", "--json", "exec", "--file", "-")
	if r.code != ExitSuccess {
		t.Fatalf("exit %d: %s", r.code, r.stderr)
	}

	dec := json.NewDecoder(strings.NewReader(r.stdout))
	var last models.StatementResponse
	n := 0
	for dec.More() {
		if err := dec.Decode(&last); err != nil {
			t.Fatalf("decode: %v", err)
		}
		n++
	}
	if n != 4 {
		t.Fatalf("got %d results, want 4", n)
	}
	if last.CacheName != "hot" || last.CacheState != "valid" {
		t.Errorf("last = %+v, want cache hot/valid", last)
	}
}

func TestExecWithoutStatements(t *testing.T) {
	r := execute(t, backendtest.New(), "", "--local", "--json", "exec")
	if r.code != ExitValidation {
		t.Fatalf("exit %d, want %d", r.code, ExitValidation)
	}
	var resp models.ErrorResponse
	if err := json.Unmarshal([]byte(r.stderr), &resp); err != nil {
		t.Fatalf("stderr is not an error document: %v\n%s", err, r.stderr)
	}
	if resp.Code != int(errors.CodeValidation) {
		t.Errorf("code = %d", resp.Code)
	}
}

func TestShellKeepsSessionAcrossErrors(t *testing.T) {
	input := strings.Join([]string{
		"CREATE SCHEMA s;",
		"CREATE TABLE s.t (id INT);",
		"SET search_path = s, public;",
		"CREATE CACHE hot FROM",
		"  SELECT id FROM t;",
		"SELECT * FROM nope;",
		`\path`,
		`\caches`,
		`\q`,
		"SELECT 'not reached';",
	}, "\n")

	fake := backendtest.New()
	r := execute(t, fake, input, "--local", "shell")
	if r.code != ExitSuccess {
		t.Fatalf("exit %d: %s", r.code, r.stderr)
	}
	if !strings.Contains(r.stderr, "Error:") {
		t.Errorf("stderr = %q, want the failed SELECT reported", r.stderr)
	}
	if !strings.Contains(r.stdout, "s, public") {
		t.Errorf("stdout = %q, want the search path", r.stdout)
	}
	if !strings.Contains(r.stdout, "hot") || !strings.Contains(r.stdout, "valid") {
		t.Errorf("stdout = %q, want cache hot listed", r.stdout)
	}
	for _, q := range fake.Queries() {
		if strings.Contains(q, "not reached") {
			t.Error("input after \\q was executed")
		}
	}
}

func TestBootstrapInitValidateApply(t *testing.T) {
	dir := t.TempDir()
	if r := execute(t, nil, "", "bootstrap", "init", "-o", dir); r.code != ExitSuccess {
		t.Fatalf("init: exit %d: %s", r.code, r.stderr)
	}
	file := filepath.Join(dir, defaultBootstrapFile)

	if r := execute(t, nil, "", "bootstrap", "validate", "-f", file); r.code != ExitSuccess {
		t.Fatalf("validate: exit %d: %s", r.code, r.stderr)
	}

	r := execute(t, backendtest.New(), "", "--local", "--json", "bootstrap", "apply", "-f", file)
	if r.code != ExitSuccess {
		t.Fatalf("apply: exit %d: %s", r.code, r.stderr)
	}
	var result struct {
		Statements []string `json:"statements"`
	}
	if err := json.Unmarshal([]byte(r.stdout), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Statements) == 0 || !strings.HasPrefix(result.Statements[0], "CREATE SCHEMA") {
		t.Errorf("statements = %q", result.Statements)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("caches:\n  - name: c\n    query: SELECT * FROM nowhere\n"), 0644)
	if r := execute(t, nil, "", "bootstrap", "validate", "-f", bad); r.code != ExitValidation {
		t.Errorf("validate bad file: exit %d, want %d", r.code, ExitValidation)
	}
}

func TestStatusLocal(t *testing.T) {
	fake := backendtest.New()
	if r := execute(t, fake, "", "--local", "status"); r.code != ExitSuccess || !strings.Contains(r.stdout, "Status: ready") {
		t.Fatalf("exit %d, stdout %q", r.code, r.stdout)
	}

	fake.SetPingError(fmt.Errorf("connection refused"))
	r := execute(t, fake, "", "--local", "status")
	if r.code != ExitEngine {
		t.Errorf("exit %d, want %d", r.code, ExitEngine)
	}
	if !strings.Contains(r.stdout, "NOT READY") {
		t.Errorf("stdout = %q", r.stdout)
	}
}

type versionOutput struct {
	VersionInfo
	Instance InstanceInfo `json:"instance"`
}

func decodeVersion(t *testing.T, r run) versionOutput {
	t.Helper()
	if r.code != ExitSuccess {
		t.Fatalf("version: exit %d: %s", r.code, r.stderr)
	}
	var out versionOutput
	if err := json.Unmarshal([]byte(r.stdout), &out); err != nil {
		t.Fatalf("decode: %v\n%s", err, r.stdout)
	}
	return out
}

func TestVersionLocalReportsInstance(t *testing.T) {
	out := decodeVersion(t, execute(t, backendtest.New(), "", "--local", "--json", "version"))
	if out.Version != Version || out.Instance.Mode != "local" || out.Instance.Status != "ready" {
		t.Fatalf("version = %+v", out)
	}
	if out.Instance.Caches == nil || out.Instance.Caches.Total != 0 {
		t.Errorf("caches = %+v, want an empty cache", out.Instance.Caches)
	}

	r := execute(t, backendtest.New(), "", "--local", "version")
	if !strings.Contains(r.stdout, "Catalog Version:") || !strings.Contains(r.stdout, "0 valid") {
		t.Errorf("stdout = %q", r.stdout)
	}
}

// ============== Remote mode ==============

func TestRemoteSessionAndCaches(t *testing.T) {
	srv, _ := newTestServer(t)
	remote := []string{"--endpoint", srv.URL, "--token", adminToken}

	r := execute(t, nil, "", append(remote, "exec",
		"CREATE SCHEMA s",
		"CREATE TABLE s.t (id INT)",
		"SET search_path = s",
		"CREATE CACHE hot FROM SELECT id FROM t")...)
	if r.code != ExitSuccess {
		t.Fatalf("exec: exit %d: %s", r.code, r.stderr)
	}

	r = execute(t, nil, "", append(remote, "--json", "cache", "list")...)
	if r.code != ExitSuccess {
		t.Fatalf("cache list: exit %d: %s", r.code, r.stderr)
	}
	var list models.CachesResponse
	if err := json.Unmarshal([]byte(r.stdout), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Caches) != 1 || list.Caches[0].Name != "hot" || list.Caches[0].State != "valid" {
		t.Fatalf("caches = %+v", list.Caches)
	}
	if deps := list.Caches[0].Dependencies; len(deps) != 1 || deps[0] != "s.t" {
		t.Errorf("dependencies = %v, want [s.t]", deps)
	}

	if r := execute(t, nil, "", append(remote, "cache", "show", "missing")...); r.code != ExitValidation {
		t.Errorf("show missing: exit %d, want %d", r.code, ExitValidation)
	}
	if r := execute(t, nil, "", append(remote, "cache", "drop", "hot")...); r.code != ExitSuccess {
		t.Errorf("drop: exit %d: %s", r.code, r.stderr)
	}
	if r := execute(t, nil, "", append(remote, "cache", "show", "hot")...); r.code != ExitValidation {
		t.Errorf("show dropped: exit %d, want %d", r.code, ExitValidation)
	}
}

func TestVersionRemoteReportsCatalogAndCaches(t *testing.T) {
	srv, _ := newTestServer(t)
	remote := []string{"--endpoint", srv.URL, "--token", adminToken}

	r := execute(t, nil, "", append(remote, "exec",
		"CREATE SCHEMA s",
		"CREATE TABLE s.t (id INT)",
		"CREATE CACHE hot FROM SELECT id FROM s.t")...)
	if r.code != ExitSuccess {
		t.Fatalf("exec: exit %d: %s", r.code, r.stderr)
	}

	out := decodeVersion(t, execute(t, nil, "", append(remote, "--json", "version")...))
	if out.Instance.Status != "ready" || out.Instance.Version == "" {
		t.Fatalf("instance = %+v", out.Instance)
	}
	if out.Instance.CatalogVersion < 2 {
		t.Errorf("catalog version = %d, want at least 2", out.Instance.CatalogVersion)
	}
	if c := out.Instance.Caches; c == nil || c.Total != 1 || c.Valid != 1 {
		t.Errorf("caches = %+v, want one valid cache", c)
	}

	srv.Close()
	out = decodeVersion(t, execute(t, nil, "", append(remote, "--json", "version")...))
	if out.Instance.Status != "unavailable" || out.Instance.Caches != nil {
		t.Errorf("instance after shutdown = %+v", out.Instance)
	}
}

func TestRemoteErrorsMapToExitCodes(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name string
		args []string
		want int
	}{
		{"bad token", []string{"--token", "wrong", "catalog", "show"}, ExitAuth},
		{"reader ddl", []string{"--token", readerToken, "exec", "CREATE SCHEMA x"}, ExitAuth},
		{"unresolved", []string{"--token", adminToken, "exec", "SELECT * FROM nowhere"}, ExitValidation},
		{"reader read", []string{"--token", readerToken, "catalog", "show"}, ExitSuccess},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := execute(t, nil, "", append([]string{"--endpoint", srv.URL}, tc.args...)...)
			if r.code != tc.want {
				t.Errorf("exit %d, want %d: %s", r.code, tc.want, r.stderr)
			}
		})
	}
}

func TestGatewayUnavailable(t *testing.T) {
	srv, _ := newTestServer(t)
	url := srv.URL
	srv.Close()

	r := execute(t, nil, "", "--endpoint", url, "--token", adminToken, "status")
	if r.code != ExitEngine {
		t.Errorf("exit %d, want %d", r.code, ExitEngine)
	}
	if !strings.Contains(r.stderr, "gateway unavailable") {
		t.Errorf("stderr = %q", r.stderr)
	}
}

func TestAuthLoginStoresVerifiedToken(t *testing.T) {
	srv, _ := newTestServer(t)
	configDirOverride = t.TempDir()
	t.Cleanup(func() { configDirOverride = "" })

	if r := execute(t, nil, "wrong\n", "--endpoint", srv.URL, "auth", "login"); r.code != ExitAuth {
		t.Fatalf("login with bad token: exit %d, want %d", r.code, ExitAuth)
	}
	if _, err := os.Stat(filepath.Join(configDirOverride, "token")); !os.IsNotExist(err) {
		t.Fatal("rejected token was stored")
	}

	if r := execute(t, nil, readerToken+"\n", "--endpoint", srv.URL, "auth", "login"); r.code != ExitSuccess {
		t.Fatalf("login: exit %d: %s", r.code, r.stderr)
	}
	r := execute(t, nil, "", "--endpoint", srv.URL, "--json", "auth", "status")
	if r.code != ExitSuccess {
		t.Fatalf("status: exit %d: %s", r.code, r.stderr)
	}
	var status AuthStatus
	if err := json.Unmarshal([]byte(r.stdout), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.UserName != "reader" || !strings.HasPrefix(status.TokenSource, "token file") {
		t.Errorf("status = %+v", status)
	}
}
