// Package api defines the public HTTP endpoints of the querycache gateway.
package api

// API version
const Version = "0.1.0"

// API endpoints
const (
	EndpointSessions    = "/api/v1/sessions"
	EndpointStatements  = "/api/v1/statements"
	EndpointCaches      = "/api/v1/caches"
	EndpointCatalog     = "/api/v1/catalog"
	EndpointCatalogSync = "/api/v1/catalog/sync"
	EndpointBootstrap   = "/api/v1/bootstrap"
	EndpointSummary     = "/api/v1/summary"
	EndpointStatus      = "/api/v1/status"
	EndpointAuth        = "/api/v1/auth"
	EndpointHealth      = "/health"
	EndpointLive        = "/healthz"
	EndpointReady       = "/readyz"
)

// HTTP headers
const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	HeaderStatementID   = "X-Statement-ID"
)

// Content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeYAML = "application/yaml"
)

// Bootstrap query parameters.
const (
	ParamConfirm = "confirm"
	ParamDryRun  = "dry_run"
)
