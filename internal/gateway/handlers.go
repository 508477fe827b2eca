package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/canonica-labs/querycache/internal/auth"
	"github.com/canonica-labs/querycache/internal/bootstrap"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/pkg/api"
	"github.com/canonica-labs/querycache/pkg/models"
)

const maxBodyBytes = 1 << 20

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: g.config.Version})
}

func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	result, err := g.app.Status.GetStatus(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp := ReadinessResponse{Status: "ready", Components: make(map[string]ComponentStatus)}
	for name, c := range result.Components {
		resp.Components[name] = ComponentStatus{Ready: c.Ready, Message: c.Message}
	}
	status := http.StatusOK
	if !result.Ready {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, resp)
}

func (g *Gateway) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	g.writeJSON(w, http.StatusOK, models.AuthStatus{
		Authenticated: true,
		UserID:        user.ID,
		UserName:      user.Name,
		Roles:         user.Roles,
		ExpiresAt:     user.ExpiresAt,
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.NewQueryRejected("", fmt.Sprintf("invalid request body: %v", err), "send a JSON object")
	}
	return nil
}

// ============== Sessions ==============

// ownedSession returns the session if it belongs to the caller. Another
// user's session is reported as missing.
func (g *Gateway) ownedSession(r *http.Request, id string) (*session.Session, error) {
	sess, err := g.app.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if user := auth.UserFromContext(r.Context()); user == nil || sess.User != user.Name {
		return nil, errors.NewSessionNotFound(id)
	}
	return sess, nil
}

func (g *Gateway) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req models.OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	var path []string
	if len(req.SearchPath) > 0 {
		path = req.SearchPath
	}
	sess := g.app.Sessions.Open(auth.UserFromContext(r.Context()).Name, path)
	g.writeJSON(w, http.StatusCreated, SessionInfoOf(sess))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	out := []models.SessionInfo{}
	for _, s := range g.app.Sessions.List() {
		if s.User == user.Name || user.HasRole(auth.RoleAdmin) {
			out = append(out, SessionInfoOf(s))
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.ownedSession(r, r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, SessionInfoOf(sess))
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.ownedSession(r, r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.app.Sessions.Close(sess.ID); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============== Statements ==============

func (g *Gateway) handleStatement(w http.ResponseWriter, r *http.Request) {
	var req models.StatementRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeError(w, err)
		return
	}

	var sess *session.Session
	if req.SessionID != "" {
		var err error
		if sess, err = g.ownedSession(r, req.SessionID); err != nil {
			g.writeError(w, err)
			return
		}
	} else {
		var path []string
		if len(req.SearchPath) > 0 {
			path = req.SearchPath
		}
		sess = g.app.Sessions.Open(auth.UserFromContext(r.Context()).Name, path)
		defer g.app.Sessions.Close(sess.ID)
	}

	res, err := g.app.Engine.Execute(r.Context(), sess, req.SQL)
	if err != nil {
		g.writeError(w, err)
		return
	}
	w.Header().Set(api.HeaderStatementID, res.StatementID)
	g.writeJSON(w, http.StatusOK, StatementResponseOf(res))
}

// ============== Caches ==============

func (g *Gateway) handleListCaches(w http.ResponseWriter, r *http.Request) {
	if !g.app.Authorizer.Allowed(auth.UserFromContext(r.Context()), auth.CategoryRead) {
		g.writeError(w, errors.NewAccessDenied(auth.UserFromContext(r.Context()).Name, "SHOW CACHES"))
		return
	}
	resp := models.CachesResponse{Caches: []models.CacheInfo{}}
	for _, e := range g.app.Engine.Cache().Entries() {
		resp.Caches = append(resp.Caches, CacheInfoOf(e))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleGetCache(w http.ResponseWriter, r *http.Request) {
	if !g.app.Authorizer.Allowed(auth.UserFromContext(r.Context()), auth.CategoryRead) {
		g.writeError(w, errors.NewAccessDenied(auth.UserFromContext(r.Context()).Name, "SHOW CACHES"))
		return
	}
	name := r.PathValue("name")
	entry, ok := g.app.Engine.Cache().GetByName(name)
	if !ok {
		g.writeError(w, errors.NewCacheNotFound(name))
		return
	}
	g.writeJSON(w, http.StatusOK, CacheInfoOf(entry))
}

// handleDropCache runs DROP CACHE so that the drop is authorized and
// logged like the statement.
func (g *Gateway) handleDropCache(w http.ResponseWriter, r *http.Request) {
	sess := g.app.Sessions.Open(auth.UserFromContext(r.Context()).Name, nil)
	defer g.app.Sessions.Close(sess.ID)

	res, err := g.app.Engine.Execute(r.Context(), sess, "DROP CACHE "+r.PathValue("name"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, StatementResponseOf(res))
}

// ============== Catalog ==============

func (g *Gateway) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if !g.app.Authorizer.Allowed(auth.UserFromContext(r.Context()), auth.CategoryRead) {
		g.writeError(w, errors.NewAccessDenied(auth.UserFromContext(r.Context()).Name, "catalog"))
		return
	}
	g.writeJSON(w, http.StatusOK, CatalogOf(g.app.Engine.Catalog().Snapshot()))
}

func (g *Gateway) handleCatalogSync(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if !g.app.Authorizer.Allowed(user, auth.CategoryDDL) {
		g.writeError(w, errors.NewAccessDenied(user.Name, "catalog sync"))
		return
	}
	result, err := g.app.SyncCatalog(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

// handleBootstrap validates a YAML bootstrap body and, unless dry_run is
// set, applies it.
func (g *Gateway) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if !g.app.Authorizer.Allowed(user, auth.CategoryDDL) {
		g.writeError(w, errors.NewAccessDenied(user.Name, "bootstrap"))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, err)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get(api.ParamDryRun))
	confirm, _ := strconv.ParseBool(r.URL.Query().Get(api.ParamConfirm))

	sess := g.app.Sessions.Open(user.Name, nil)
	defer g.app.Sessions.Close(sess.ID)

	result, err := bootstrap.NewBootstrapper(g.app.Engine).Run(r.Context(), sess, data, dryRun, confirm)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

// ============== Observability ==============

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.app.Engine.StatementLogger().Summary(r.Context()))
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := g.app.Status.GetStatus(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}
