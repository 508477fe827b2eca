package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/canonica-labs/querycache/internal/bootstrap"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/gateway"
	"github.com/canonica-labs/querycache/internal/observability"
	"github.com/canonica-labs/querycache/internal/status"
	"github.com/canonica-labs/querycache/pkg/api"
	"github.com/canonica-labs/querycache/pkg/models"
)

// GatewayClient is the HTTP client for the querycache gateway.
type GatewayClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewGatewayClient creates a new gateway client.
func NewGatewayClient(endpoint, token string) *GatewayClient {
	return &GatewayClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Endpoint returns the configured gateway endpoint.
func (c *GatewayClient) Endpoint() string {
	return c.endpoint
}

// Token returns the configured authentication token.
func (c *GatewayClient) Token() string {
	return c.token
}

// HealthInfo is the body of /health.
type HealthInfo = gateway.HealthResponse

// Health returns the gateway's health and version.
func (c *GatewayClient) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.call(ctx, http.MethodGet, api.EndpointHealth, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthStatus returns the identity behind the token.
func (c *GatewayClient) AuthStatus(ctx context.Context) (*models.AuthStatus, error) {
	var out models.AuthStatus
	if err := c.call(ctx, http.MethodGet, api.EndpointAuth, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenSession opens a gateway-side session.
func (c *GatewayClient) OpenSession(ctx context.Context, searchPath []string) (*models.SessionInfo, error) {
	var out models.SessionInfo
	err := c.call(ctx, http.MethodPost, api.EndpointSessions, models.OpenSessionRequest{SearchPath: searchPath}, "", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession returns a session opened by this token's user.
func (c *GatewayClient) GetSession(ctx context.Context, id string) (*models.SessionInfo, error) {
	var out models.SessionInfo
	if err := c.call(ctx, http.MethodGet, api.EndpointSessions+"/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession closes a session.
func (c *GatewayClient) CloseSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, api.EndpointSessions+"/"+url.PathEscape(id), nil, "", nil)
}

// Execute runs one statement. An empty sessionID runs it in a throwaway
// session using searchPath.
func (c *GatewayClient) Execute(ctx context.Context, sessionID, sqlText string, searchPath []string) (*models.StatementResponse, error) {
	var out models.StatementResponse
	req := models.StatementRequest{SessionID: sessionID, SQL: sqlText, SearchPath: searchPath}
	if err := c.call(ctx, http.MethodPost, api.EndpointStatements, req, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCaches returns every cache entry.
func (c *GatewayClient) ListCaches(ctx context.Context) ([]models.CacheInfo, error) {
	var out models.CachesResponse
	if err := c.call(ctx, http.MethodGet, api.EndpointCaches, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Caches, nil
}

// GetCache returns one cache entry.
func (c *GatewayClient) GetCache(ctx context.Context, name string) (*models.CacheInfo, error) {
	var out models.CacheInfo
	if err := c.call(ctx, http.MethodGet, api.EndpointCaches+"/"+url.PathEscape(name), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DropCache drops a cache entry.
func (c *GatewayClient) DropCache(ctx context.Context, name string) (*models.StatementResponse, error) {
	var out models.StatementResponse
	if err := c.call(ctx, http.MethodDelete, api.EndpointCaches+"/"+url.PathEscape(name), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Catalog returns the catalog.
func (c *GatewayClient) Catalog(ctx context.Context) (*models.CatalogResponse, error) {
	var out models.CatalogResponse
	if err := c.call(ctx, http.MethodGet, api.EndpointCatalog, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncCatalog imports the backend's schemas into the catalog.
func (c *GatewayClient) SyncCatalog(ctx context.Context) (*catalog.SyncResult, error) {
	var out catalog.SyncResult
	if err := c.call(ctx, http.MethodPost, api.EndpointCatalogSync, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bootstrap sends a bootstrap file to the gateway.
func (c *GatewayClient) Bootstrap(ctx context.Context, data []byte, dryRun, confirm bool) (*bootstrap.ApplyResult, error) {
	q := url.Values{}
	q.Set(api.ParamDryRun, strconv.FormatBool(dryRun))
	q.Set(api.ParamConfirm, strconv.FormatBool(confirm))

	var out bootstrap.ApplyResult
	if err := c.call(ctx, http.MethodPost, api.EndpointBootstrap+"?"+q.Encode(), data, api.ContentTypeYAML, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary returns aggregated statement statistics.
func (c *GatewayClient) Summary(ctx context.Context) (*observability.Summary, error) {
	var out observability.Summary
	if err := c.call(ctx, http.MethodGet, api.EndpointSummary, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the gateway's component and cache status.
func (c *GatewayClient) Status(ctx context.Context) (*status.StatusResult, error) {
	var out status.StatusResult
	if err := c.call(ctx, http.MethodGet, api.EndpointStatus, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends a request and decodes a 2xx body into out. A []byte body is
// sent as is with contentType; anything else is encoded as JSON.
func (c *GatewayClient) call(ctx context.Context, method, path string, body interface{}, contentType string, out interface{}) error {
	if c.endpoint == "" {
		return errors.NewGatewayUnavailable("", fmt.Errorf("no gateway endpoint configured"))
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = api.ContentTypeJSON
	}

	resp, err := c.doRequest(ctx, method, path, reader, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseErrorResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request to the gateway.
func (c *GatewayClient) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set(api.HeaderContentType, contentType)
	}
	if c.token != "" {
		req.Header.Set(api.HeaderAuthorization, "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewGatewayUnavailable(c.endpoint, err)
	}
	return resp, nil
}

// parseErrorResponse rebuilds a coded error from an error body so that
// exit codes match local mode.
func (c *GatewayClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp models.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &errors.QueryError{
			Code:    gateway.CodeForStatus(resp.StatusCode),
			Message: fmt.Sprintf("gateway error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	code := errors.ErrorCode(errResp.Code)
	if code == 0 {
		code = gateway.CodeForStatus(resp.StatusCode)
	}
	return &errors.QueryError{
		Code:       code,
		Message:    errResp.Error,
		Reason:     errResp.Reason,
		Suggestion: errResp.Suggestion,
	}
}
