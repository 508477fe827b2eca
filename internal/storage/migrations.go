package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	cerrors "github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/migrations"
)

// MigrationRunner applies the embedded schema migrations.
type MigrationRunner struct {
	db     *sql.DB
	files  fs.FS
	logger logrus.FieldLogger
}

// NewMigrationRunner creates a runner over the embedded migrations.
func NewMigrationRunner(db *sql.DB, logger logrus.FieldLogger) *MigrationRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MigrationRunner{db: db, files: migrations.FS, logger: logger}
}

// Run applies every migration that has not been applied yet, in version
// order. Each migration commits with its bookkeeping row.
func (r *MigrationRunner) Run(ctx context.Context) error {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending, err := r.migrationFiles()
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return cerrors.NewMigrationFailed(m.name, err)
		}
		r.logger.WithField("migration", m.name).Info("applied migration")
	}
	return nil
}

// Pending returns the names of migrations that have not been applied.
func (r *MigrationRunner) Pending(ctx context.Context) ([]string, error) {
	if err := r.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	all, err := r.migrationFiles()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range all {
		if !applied[m.version] {
			out = append(out, m.name)
		}
	}
	return out, nil
}

type migration struct {
	version string
	name    string
	content string
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func (r *MigrationRunner) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// migrationFiles lists NNNNNN_name.up.sql files ordered by version.
func (r *MigrationRunner) migrationFiles() ([]migration, error) {
	entries, err := fs.ReadDir(r.files, ".")
	if err != nil {
		return nil, err
	}

	var list []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		content, err := fs.ReadFile(r.files, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		list = append(list, migration{
			version: parts[0],
			name:    strings.TrimSuffix(name, ".up.sql"),
			content: strings.TrimSpace(string(content)),
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].version < list[j].version })
	return list, nil
}

func (r *MigrationRunner) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.content); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
		m.version, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
