// Package bootstrap loads a declarative description of schemas, tables
// and caches and applies it through the engine.
//
// A bootstrap file is:
//   - human-readable YAML
//   - strict: unknown keys fail
//   - validated as a dry run before anything changes
//   - idempotent to apply
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canonica-labs/querycache/internal/cache"
	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/engine"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/resolver"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// Config is a bootstrap file.
type Config struct {
	// SearchPath is left on the applying session and used for caches
	// that do not set their own.
	SearchPath []string `yaml:"search_path,omitempty"`

	Schemas []SchemaConfig `yaml:"schemas"`
	Caches  []CacheConfig  `yaml:"caches,omitempty"`

	validated  bool
	configPath string
}

// SchemaConfig declares a schema and its tables.
type SchemaConfig struct {
	Name   string        `yaml:"name"`
	Tables []TableConfig `yaml:"tables,omitempty"`
}

// TableConfig declares a table.
type TableConfig struct {
	Name    string         `yaml:"name"`
	Columns []ColumnConfig `yaml:"columns"`
}

// ColumnConfig declares a column. Columns are nullable unless NotNull.
type ColumnConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	NotNull bool   `yaml:"not_null,omitempty"`
	Comment string `yaml:"comment,omitempty"`
}

// CacheConfig declares a cached query.
type CacheConfig struct {
	Name       string   `yaml:"name"`
	Query      string   `yaml:"query"`
	SearchPath []string `yaml:"search_path,omitempty"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadConfig reads and parses a bootstrap file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse parses a bootstrap document. Unknown keys fail.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.NewBootstrapError(
			"failed to parse bootstrap file",
			err.Error(),
			"check the file against 'querycache bootstrap init' output",
		)
	}
	if len(cfg.Schemas) == 0 && len(cfg.Caches) == 0 {
		return nil, errors.NewBootstrapError(
			"bootstrap file is empty",
			"neither schemas nor caches are declared",
			"declare at least one schema or cache",
		)
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Validate performs a dry run against base, which may be nil. Declared
// objects are applied to a scratch copy of base and every cache query
// is resolved under its search path.
func (c *Config) Validate(base *catalog.Snapshot) error {
	if err := c.checkNames(); err != nil {
		return err
	}

	scratch := catalog.New(catalog.Options{})
	if base != nil {
		var tables []*catalog.Table
		for _, s := range base.Schemas() {
			tables = append(tables, base.Tables(s)...)
		}
		if err := scratch.Restore(base.Schemas(), tables, base.Version()); err != nil {
			return err
		}
	}

	ctx := context.Background()
	for _, s := range c.Schemas {
		if _, err := scratch.CreateSchema(ctx, s.Name, true); err != nil {
			return err
		}
		for _, t := range s.Tables {
			if _, err := scratch.CreateTable(ctx, catalog.TableName{Schema: s.Name, Name: t.Name}, t.columns(), true); err != nil {
				return err
			}
		}
	}

	r := resolver.New()
	snap := scratch.Snapshot()
	for _, cc := range c.Caches {
		q, err := sql.ParseQuery(cc.Query)
		if err != nil {
			return fmt.Errorf("cache '%s': %w", cc.Name, err)
		}
		if _, err := r.ResolveQuery(q, session.MakeSearchPath(c.cachePath(cc)), snap); err != nil {
			return fmt.Errorf("cache '%s': %w", cc.Name, err)
		}
	}

	c.validated = true
	return nil
}

func (c *Config) checkNames() error {
	for _, p := range c.SearchPath {
		if !identPattern.MatchString(p) {
			return errors.NewBootstrapError(
				fmt.Sprintf("invalid search_path entry '%s'", p),
				"schema names must be plain identifiers", "rename the schema")
		}
	}

	schemas := make(map[string]bool)
	for _, s := range c.Schemas {
		if !identPattern.MatchString(s.Name) {
			return errors.NewBootstrapError(
				fmt.Sprintf("invalid schema name '%s'", s.Name),
				"schema names must be plain identifiers", "rename the schema")
		}
		if schemas[s.Name] {
			return errors.NewBootstrapError(
				fmt.Sprintf("schema '%s' is declared twice", s.Name),
				"each schema may appear once", "merge the two declarations")
		}
		schemas[s.Name] = true

		tables := make(map[string]bool)
		for _, t := range s.Tables {
			full := s.Name + "." + t.Name
			if !identPattern.MatchString(t.Name) {
				return errors.NewBootstrapError(
					fmt.Sprintf("invalid table name '%s'", full),
					"table names must be plain identifiers", "rename the table")
			}
			if tables[t.Name] {
				return errors.NewBootstrapError(
					fmt.Sprintf("table '%s' is declared twice", full),
					"each table may appear once per schema", "merge the two declarations")
			}
			tables[t.Name] = true
			if len(t.Columns) == 0 {
				return errors.NewBootstrapError(
					fmt.Sprintf("table '%s' has no columns", full),
					"a table needs at least one column", "declare the table's columns")
			}
			for _, col := range t.Columns {
				if !identPattern.MatchString(col.Name) || strings.TrimSpace(col.Type) == "" {
					return errors.NewBootstrapError(
						fmt.Sprintf("table '%s': invalid column '%s'", full, col.Name),
						"columns need a plain identifier name and a type", "fix the column declaration")
				}
			}
		}
	}

	caches := make(map[string]bool)
	for _, cc := range c.Caches {
		if cc.Name != "" && !identPattern.MatchString(cc.Name) {
			return errors.NewBootstrapError(
				fmt.Sprintf("invalid cache name '%s'", cc.Name),
				"cache names must be plain identifiers", "rename the cache")
		}
		if cc.Name != "" && caches[cc.Name] {
			return errors.NewBootstrapError(
				fmt.Sprintf("cache '%s' is declared twice", cc.Name),
				"cache names are unique", "rename one of the caches")
		}
		caches[cc.Name] = true
		if strings.TrimSpace(cc.Query) == "" {
			return errors.NewBootstrapError(
				fmt.Sprintf("cache '%s' has no query", cc.Name),
				"every cache needs a query", "add a query")
		}
	}
	return nil
}

// IsValidated returns true if Validate() has been called successfully.
func (c *Config) IsValidated() bool {
	return c.validated
}

func (c *Config) cachePath(cc CacheConfig) []string {
	if len(cc.SearchPath) > 0 {
		return cc.SearchPath
	}
	if len(c.SearchPath) > 0 {
		return c.SearchPath
	}
	return []string{catalog.DefaultSchemaName}
}

func (t TableConfig) columns() []catalog.Column {
	cols := make([]catalog.Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = catalog.Column{Name: c.Name, Type: c.Type, Nullable: !c.NotNull, Comment: c.Comment}
	}
	return cols
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ChangeType represents the type of a planned change.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	// ChangeTypeRefresh re-materializes a cache with an unchanged query.
	ChangeTypeRefresh ChangeType = "refresh"
	// ChangeTypeReplace drops a cache and recreates it with a new query.
	ChangeTypeReplace ChangeType = "replace"
	// ChangeTypeDrift reports a table whose stored columns differ from
	// the file. Drift is reported, never altered.
	ChangeTypeDrift ChangeType = "drift"
)

// ConfigChange is one planned change.
type ConfigChange struct {
	Type   ChangeType `json:"type"`
	Object string     `json:"object"`
	Name   string     `json:"name"`
	Detail string     `json:"detail,omitempty"`
}

// Destructive reports whether applying the change discards state.
func (c ConfigChange) Destructive() bool {
	return c.Type == ChangeTypeReplace
}

// Plan lists what Apply would change against snap and qc.
func (c *Config) Plan(snap *catalog.Snapshot, qc *cache.QueryCache) []ConfigChange {
	var changes []ConfigChange
	for _, s := range c.Schemas {
		if !snap.HasSchema(s.Name) {
			changes = append(changes, ConfigChange{Type: ChangeTypeCreate, Object: "schema", Name: s.Name})
		}
		for _, t := range s.Tables {
			full := s.Name + "." + t.Name
			existing, ok := snap.Table(s.Name, t.Name)
			if !ok {
				changes = append(changes, ConfigChange{Type: ChangeTypeCreate, Object: "table", Name: full})
				continue
			}
			if !sameColumns(existing.Columns, t.columns()) {
				changes = append(changes, ConfigChange{
					Type: ChangeTypeDrift, Object: "table", Name: full,
					Detail: "stored columns differ from the file",
				})
			}
		}
	}

	for _, cc := range c.Caches {
		key := cacheKey(cc.Query)
		name := cc.Name
		if name == "" {
			name = cache.GenerateName(key)
		}
		existing, ok := qc.GetByName(name)
		switch {
		case !ok:
			changes = append(changes, ConfigChange{Type: ChangeTypeCreate, Object: "cache", Name: name})
		case existing.Key == key:
			changes = append(changes, ConfigChange{
				Type: ChangeTypeRefresh, Object: "cache", Name: name, Detail: string(existing.State),
			})
		default:
			changes = append(changes, ConfigChange{
				Type: ChangeTypeReplace, Object: "cache", Name: name,
				Detail: "query changed from: " + existing.QueryText,
			})
		}
	}
	return changes
}

func cacheKey(query string) string {
	q, err := sql.ParseQuery(query)
	if err != nil {
		return query
	}
	return q.Key()
}

func sameColumns(a, b []catalog.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !strings.EqualFold(a[i].Type, b[i].Type) || a[i].Nullable != b[i].Nullable {
			return false
		}
	}
	return true
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Changes    []ConfigChange `json:"changes"`
	Statements []string       `json:"statements"`
}

// Bootstrapper applies bootstrap files through an engine.
type Bootstrapper struct {
	engine *engine.Engine
}

// NewBootstrapper creates a new bootstrapper.
func NewBootstrapper(eng *engine.Engine) *Bootstrapper {
	return &Bootstrapper{engine: eng}
}

// Apply executes cfg as ordinary statements on sess. Destructive changes
// fail unless confirm is set. Applying the same file twice only
// refreshes its caches.
func (b *Bootstrapper) Apply(ctx context.Context, sess *session.Session, cfg *Config, confirm bool) (*ApplyResult, error) {
	if !cfg.validated {
		return nil, fmt.Errorf("configuration must be validated before apply")
	}
	if b.engine == nil {
		return nil, errors.NewBootstrapError(
			"no engine configured",
			"bootstrap apply runs statements through an engine",
			"run apply in local mode or through the gateway",
		)
	}

	result := &ApplyResult{Changes: cfg.Plan(b.engine.Catalog().Snapshot(), b.engine.Cache())}
	replace := make(map[string]bool)
	for _, ch := range result.Changes {
		if !ch.Destructive() {
			continue
		}
		if !confirm {
			return nil, errors.NewBootstrapError(
				"destructive change requires confirmation",
				fmt.Sprintf("applying would replace the query of cache '%s'", ch.Name),
				"run with --confirm to acknowledge destructive change",
			)
		}
		replace[ch.Name] = true
	}

	run := func(stmt string) error {
		if _, err := b.engine.Execute(ctx, sess, stmt); err != nil {
			return err
		}
		result.Statements = append(result.Statements, stmt)
		return nil
	}

	for _, s := range cfg.Schemas {
		if err := run("CREATE SCHEMA IF NOT EXISTS " + s.Name); err != nil {
			return result, err
		}
		for _, t := range s.Tables {
			if err := run(createTableStatement(s.Name, t)); err != nil {
				return result, err
			}
		}
	}

	for _, cc := range cfg.Caches {
		if err := run("SET search_path = " + strings.Join(cfg.cachePath(cc), ", ")); err != nil {
			return result, err
		}
		if replace[cc.Name] {
			if err := run("DROP CACHE " + cc.Name); err != nil {
				return result, err
			}
		}
		stmt := "CREATE CACHE "
		if cc.Name != "" {
			stmt += cc.Name + " "
		}
		if err := run(stmt + "FROM " + strings.TrimSuffix(strings.TrimSpace(cc.Query), ";")); err != nil {
			return result, err
		}
	}

	if len(cfg.SearchPath) > 0 {
		if err := run("SET search_path = " + strings.Join(cfg.SearchPath, ", ")); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Run parses and validates a bootstrap file against the live catalog.
// With dryRun it only reports the planned changes; otherwise it applies
// them on sess.
func (b *Bootstrapper) Run(ctx context.Context, sess *session.Session, data []byte, dryRun, confirm bool) (*ApplyResult, error) {
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if b.engine == nil {
		return nil, errors.NewBootstrapError(
			"no engine configured",
			"bootstrap runs statements through an engine",
			"run in local mode or through the gateway",
		)
	}
	snap := b.engine.Catalog().Snapshot()
	if err := cfg.Validate(snap); err != nil {
		return nil, err
	}
	if dryRun {
		return &ApplyResult{Changes: cfg.Plan(snap, b.engine.Cache()), Statements: []string{}}, nil
	}
	return b.Apply(ctx, sess, cfg, confirm)
}

func createTableStatement(schema string, t TableConfig) string {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = c.Name + " " + c.Type
		if c.NotNull {
			defs[i] += " NOT NULL"
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s)", schema, t.Name, strings.Join(defs, ", "))
}

// Init writes an example bootstrap file into dir.
func (b *Bootstrapper) Init(dir string) (string, error) {
	configPath := filepath.Join(dir, "querycache.yaml")

	exampleConfig := `# querycache bootstrap file
# Generated by 'querycache bootstrap init'

search_path: [sales, public]

schemas:
  - name: sales
    tables:
      - name: orders
        columns:
          - {name: id, type: bigint, not_null: true}
          - {name: customer_id, type: bigint}
          - {name: total, type: numeric}
          - {name: placed_at, type: timestamp}

caches:
  - name: recent_orders
    query: SELECT id, total FROM orders WHERE placed_at > current_date - 7
`

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configPath, nil
}
