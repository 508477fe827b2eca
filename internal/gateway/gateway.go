// Package gateway serves querycache over HTTP.
//
// Every /api/v1 route requires a bearer token. Statements run in
// gateway-side sessions that carry the search path between requests;
// a session belongs to the user who opened it.
package gateway

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/app"
	"github.com/canonica-labs/querycache/internal/auth"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/pkg/api"
	"github.com/canonica-labs/querycache/pkg/models"
)

// Config configures a Gateway.
type Config struct {
	Version string

	// SessionIdleTimeout closes sessions unused for this long. Zero
	// keeps sessions until they are closed.
	SessionIdleTimeout time.Duration
}

// Gateway is the HTTP handler.
type Gateway struct {
	app    *app.App
	config Config
	logger logrus.FieldLogger
	mux    *http.ServeMux
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessResponse is the body of /readyz.
type ReadinessResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
}

// ComponentStatus reports one component of /readyz.
type ComponentStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

// NewGateway creates a gateway over an assembled instance.
func NewGateway(a *app.App, cfg Config) (*Gateway, error) {
	if a == nil || a.Engine == nil {
		return nil, errors.NewBootstrapError(
			"gateway requires an engine",
			"the instance was not assembled",
			"build the instance with app.Build before creating the gateway",
		)
	}
	if cfg.Version == "" {
		cfg.Version = api.Version
	}
	g := &Gateway{
		app:    a,
		config: cfg,
		logger: a.Logger.WithField("component", "gateway"),
		mux:    http.NewServeMux(),
	}
	g.routes()
	return g, nil
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET "+api.EndpointHealth, g.handleHealth)
	g.mux.HandleFunc("GET "+api.EndpointLive, g.handleLive)
	g.mux.HandleFunc("GET "+api.EndpointReady, g.handleReady)

	g.mux.Handle("GET "+api.EndpointAuth, g.withAuth(g.handleAuthStatus))

	g.mux.Handle("POST "+api.EndpointSessions, g.withAuth(g.handleOpenSession))
	g.mux.Handle("GET "+api.EndpointSessions, g.withAuth(g.handleListSessions))
	g.mux.Handle("GET "+api.EndpointSessions+"/{id}", g.withAuth(g.handleGetSession))
	g.mux.Handle("DELETE "+api.EndpointSessions+"/{id}", g.withAuth(g.handleCloseSession))

	g.mux.Handle("POST "+api.EndpointStatements, g.withAuth(g.handleStatement))

	g.mux.Handle("GET "+api.EndpointCaches, g.withAuth(g.handleListCaches))
	g.mux.Handle("GET "+api.EndpointCaches+"/{name}", g.withAuth(g.handleGetCache))
	g.mux.Handle("DELETE "+api.EndpointCaches+"/{name}", g.withAuth(g.handleDropCache))

	g.mux.Handle("GET "+api.EndpointCatalog, g.withAuth(g.handleCatalog))
	g.mux.Handle("POST "+api.EndpointCatalogSync, g.withAuth(g.handleCatalogSync))
	g.mux.Handle("POST "+api.EndpointBootstrap, g.withAuth(g.handleBootstrap))

	g.mux.Handle("GET "+api.EndpointSummary, g.withAuth(g.handleSummary))
	g.mux.Handle("GET "+api.EndpointStatus, g.withAuth(g.handleStatus))
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get(api.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(api.HeaderRequestID, requestID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	g.mux.ServeHTTP(rec, r)

	g.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     rec.status,
		"duration":   time.Since(start).String(),
	}).Debug("request served")
}

// RunSessionReaper closes idle sessions until ctx is done.
func (g *Gateway) RunSessionReaper(ctx context.Context) {
	if g.config.SessionIdleTimeout <= 0 {
		return
	}
	interval := g.config.SessionIdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := g.app.Sessions.CloseIdle(now.Add(-g.config.SessionIdleTimeout)); n > 0 {
				g.logger.WithField("closed", n).Info("closed idle sessions")
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withAuth resolves the bearer token and attaches the user to the
// request context.
func (g *Gateway) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(api.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			g.writeError(w, errors.NewAuthFailed("missing bearer token"))
			return
		}
		user, err := g.app.Authenticator.ValidateToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			g.writeError(w, err)
			return
		}
		next(w, r.WithContext(auth.ContextWithUser(r.Context(), user)))
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(api.HeaderContentType, api.ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.WithError(err).Warn("failed to encode response")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	resp := models.ErrorResponse{Error: err.Error(), Code: int(errors.CodeOf(err))}
	if base, ok := errors.BaseOf(err); ok {
		resp.Error = base.Message
		resp.Reason = base.Reason
		resp.Suggestion = base.Suggestion
	}
	g.writeJSON(w, HTTPStatus(err), resp)
}

// HTTPStatus maps an error to its HTTP status.
func HTTPStatus(err error) int {
	var denied *errors.ErrAccessDenied
	if stderrors.As(err, &denied) {
		return http.StatusForbidden
	}
	switch errors.CodeOf(err) {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeAuth:
		return http.StatusUnauthorized
	case errors.CodeEngine:
		return http.StatusBadGateway
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, errors.CodeStale:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// CodeForStatus maps an HTTP status back to an error code. The CLI uses
// it when the body carries none.
func CodeForStatus(status int) errors.ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.CodeAuth
	case http.StatusBadGateway:
		return errors.CodeEngine
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusConflict:
		return errors.CodeConflict
	}
	return errors.CodeInternal
}
