// Package migrations provides embedded migration SQL files.
// Each file holds a single statement that runs on PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
