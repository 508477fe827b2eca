// Package bigquery provides the Google BigQuery backend. Catalog schemas
// map to BigQuery datasets.
package bigquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/canonica-labs/querycache/internal/backend"
	"github.com/canonica-labs/querycache/internal/errors"
)

const name = "bigquery"

// Config configures the BigQuery backend.
type Config struct {
	// ProjectID is the GCP project ID.
	ProjectID string

	// CredentialsFile is a service account key file (optional if using ADC).
	CredentialsFile string

	// Location is the BigQuery region (e.g., "US", "EU").
	Location string

	QueryTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Location:     "US",
		QueryTimeout: 5 * time.Minute,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("bigquery: project_id is required")
	}
	return nil
}

// Backend runs statements through the BigQuery client.
type Backend struct {
	mu     sync.RWMutex
	config Config
	client *bigquery.Client
	closed bool
}

// Open creates a client. Without a credentials file the SDK uses
// Application Default Credentials.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Minute
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery: failed to create client: %w", err)
	}
	return &Backend{config: cfg, client: client}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return name
}

func (b *Backend) query(sql string) (*bigquery.Query, error) {
	if b.closed || b.client == nil {
		return nil, errors.NewBackendUnavailable(name, "client is closed")
	}
	q := b.client.Query(sql)
	if b.config.Location != "" {
		q.Location = b.config.Location
	}
	return q, nil
}

// Query runs a statement and reads every row.
func (b *Backend) Query(ctx context.Context, sql string) (*backend.Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, err := b.query(sql)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.QueryTimeout)
	defer cancel()

	it, err := q.Read(ctx)
	if err != nil {
		return nil, errors.NewBackendFailed(name, err)
	}

	var rows [][]interface{}
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.NewBackendFailed(name, err)
		}
		values := make([]interface{}, len(row))
		for i, v := range row {
			values[i] = v
		}
		rows = append(rows, values)
	}

	columns := make([]string, len(it.Schema))
	for i, field := range it.Schema {
		columns[i] = field.Name
	}
	return &backend.Result{Columns: columns, Rows: rows, RowCount: len(rows)}, nil
}

// Exec runs a DDL or DML statement as a job and waits for it.
func (b *Backend) Exec(ctx context.Context, sql string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, err := b.query(sql)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.QueryTimeout)
	defer cancel()

	job, err := q.Run(ctx)
	if err != nil {
		return 0, errors.NewBackendFailed(name, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, errors.NewBackendFailed(name, err)
	}
	if err := status.Err(); err != nil {
		return 0, errors.NewBackendFailed(name, err)
	}
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// Ping runs a trivial query.
func (b *Backend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, err := b.query("SELECT 1")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	it, err := q.Read(ctx)
	if err != nil {
		return errors.NewBackendFailed(name, err)
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil && err != iterator.Done {
		return errors.NewBackendFailed(name, err)
	}
	return nil
}

// Close is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
