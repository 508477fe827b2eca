package gateway

import (
	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/engine"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/pkg/models"
)

// StatementResponseOf converts an engine result to its API body.
func StatementResponseOf(res *engine.Result) models.StatementResponse {
	return models.StatementResponse{
		StatementID:    res.StatementID,
		Kind:           string(res.Kind),
		Destination:    string(res.Destination),
		CacheName:      res.CacheName,
		CacheState:     string(res.CacheState),
		Fallback:       res.Fallback,
		Columns:        res.Columns,
		Rows:           res.Rows,
		RowCount:       res.RowCount,
		Message:        res.Message,
		Tables:         res.Tables,
		CatalogVersion: res.CatalogVersion,
		Duration:       res.Duration.String(),
	}
}

// CacheInfoOf converts a cache entry to its API body.
func CacheInfoOf(e cache.Entry) models.CacheInfo {
	info := models.CacheInfo{
		Name:         e.Name,
		State:        string(e.State),
		Query:        e.QueryText,
		QualifiedSQL: e.Artifact.QualifiedSQL,
		Dependencies: e.Dependencies().Strings(),
		SearchPath:   []string{},
		Backend:      e.Artifact.Backend,
		Hits:         e.Hits,
		Fallbacks:    e.Fallbacks,
		StaleReason:  e.StaleReason,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.Resolution != nil {
		info.SearchPath = e.Resolution.SearchPath.Schemas()
	}
	return info
}

// CatalogOf converts a catalog snapshot to its API body.
func CatalogOf(snap *catalog.Snapshot) models.CatalogResponse {
	resp := models.CatalogResponse{Version: snap.Version(), Schemas: []models.SchemaInfo{}}
	for _, name := range snap.Schemas() {
		schema := models.SchemaInfo{Name: name, Tables: []models.TableInfo{}}
		for _, t := range snap.Tables(name) {
			table := models.TableInfo{Schema: t.Schema, Name: t.Name, UpdatedAt: t.UpdatedAt}
			for _, c := range t.Columns {
				table.Columns = append(table.Columns, models.ColumnInfo{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
			}
			schema.Tables = append(schema.Tables, table)
		}
		resp.Schemas = append(resp.Schemas, schema)
	}
	return resp
}

// SessionInfoOf converts a session to its API body.
func SessionInfoOf(s *session.Session) models.SessionInfo {
	return models.SessionInfo{
		ID:              s.ID,
		User:            s.User,
		SearchPath:      s.SearchPath().Current().Schemas(),
		ObservedVersion: s.ObservedVersion(),
		LastUsed:        s.LastUsed(),
	}
}
