// Package sql classifies statements and models the parts of them the cache
// needs: table references, WITH bindings and a normalized query text.
//
// Query bodies and writes are parsed with github.com/xwb1989/sqlparser.
// DDL, session and cache-management statements are matched by pattern.
package sql

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
)

// StatementKind is the type of a statement.
type StatementKind string

const (
	KindCreateSchema  StatementKind = "CREATE SCHEMA"
	KindDropSchema    StatementKind = "DROP SCHEMA"
	KindCreateTable   StatementKind = "CREATE TABLE"
	KindDropTable     StatementKind = "DROP TABLE"
	KindAlterTable    StatementKind = "ALTER TABLE"
	KindSetSearchPath StatementKind = "SET search_path"
	KindShowSearch    StatementKind = "SHOW search_path"
	KindCreateCache   StatementKind = "CREATE CACHE"
	KindDropCache     StatementKind = "DROP CACHE"
	KindDropAllCaches StatementKind = "DROP ALL CACHES"
	KindShowCaches    StatementKind = "SHOW CACHES"
	KindExplainLast   StatementKind = "EXPLAIN LAST STATEMENT"
	KindShowProxied   StatementKind = "SHOW PROXIED QUERIES"
	KindProxied       StatementKind = "PROXIED"
	KindSelect        StatementKind = "SELECT"
	KindInsert        StatementKind = "INSERT"
	KindUpdate        StatementKind = "UPDATE"
	KindDelete        StatementKind = "DELETE"
)

// IsDDL reports whether the statement mutates the catalog.
func (k StatementKind) IsDDL() bool {
	switch k {
	case KindCreateSchema, KindDropSchema, KindCreateTable, KindDropTable, KindAlterTable:
		return true
	}
	return false
}

// IsWrite reports whether the statement modifies table data.
func (k StatementKind) IsWrite() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// IsCacheManagement reports whether the statement manages cached queries.
func (k StatementKind) IsCacheManagement() bool {
	switch k {
	case KindCreateCache, KindDropCache, KindDropAllCaches:
		return true
	}
	return false
}

// AlterAction is the change an ALTER TABLE statement makes.
type AlterAction string

const (
	AlterAddColumn  AlterAction = "add_column"
	AlterDropColumn AlterAction = "drop_column"
	AlterRename     AlterAction = "rename"
)

// Statement is a classified statement.
type Statement struct {
	Kind StatementKind
	Raw  string

	// Schema is set for CREATE/DROP SCHEMA.
	Schema string

	// Table is set for table DDL; Schema may be empty when unqualified.
	Table TableRef

	IfExists    bool
	IfNotExists bool
	Cascade     bool

	// Columns is the definition of CREATE TABLE.
	Columns []catalog.Column

	// Alter describes ALTER TABLE. Column is used by add/drop column,
	// NewName by rename.
	Alter   AlterAction
	Column  catalog.Column
	NewName string

	// SearchPath is the new path of SET search_path; ResetSearchPath is
	// true for SET search_path = DEFAULT.
	SearchPath      []string
	ResetSearchPath bool

	// CacheName is the explicit name of CREATE CACHE or DROP CACHE.
	CacheName string

	// Query is the read query of SELECT and CREATE CACHE.
	Query *Query

	// Write is the data modification of INSERT, UPDATE and DELETE.
	Write *Write
}

// Parser classifies statements.
type Parser struct{}

// NewParser creates a new SQL parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse classifies a single statement.
// Returns an error if the statement is empty, malformed or unsupported.
func (p *Parser) Parse(sql string) (*Statement, error) {
	text := trimStatement(sql)
	if text == "" {
		return nil, errors.NewQueryRejected(sql, "empty query", "provide a valid SQL statement")
	}

	stmt := &Statement{Raw: text}
	upper := strings.ToUpper(text)

	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "WITH"), strings.HasPrefix(upper, "("):
		q, err := ParseQuery(text)
		if err != nil {
			return nil, err
		}
		stmt.Kind = KindSelect
		stmt.Query = q
		return stmt, nil

	case strings.HasPrefix(upper, "INSERT"), strings.HasPrefix(upper, "UPDATE"), strings.HasPrefix(upper, "DELETE"):
		w, err := ParseWrite(text)
		if err != nil {
			return nil, err
		}
		stmt.Kind = w.Kind
		stmt.Write = w
		return stmt, nil
	}

	if m := createSchemaPattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindCreateSchema
		stmt.IfNotExists = m[1] != ""
		stmt.Schema = unquoteIdent(m[2])
		return stmt, nil
	}
	if m := dropSchemaPattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindDropSchema
		stmt.IfExists = m[1] != ""
		stmt.Schema = unquoteIdent(m[2])
		stmt.Cascade = strings.EqualFold(strings.TrimSpace(m[3]), "CASCADE")
		return stmt, nil
	}
	if m := createTablePattern.FindStringSubmatch(text); m != nil {
		cols, err := parseColumnDefs(m[3])
		if err != nil {
			return nil, errors.NewQueryRejected(text, err.Error(), "use CREATE TABLE name (column type, ...)")
		}
		stmt.Kind = KindCreateTable
		stmt.IfNotExists = m[1] != ""
		stmt.Table = parseQualifiedName(m[2])
		stmt.Columns = cols
		return stmt, nil
	}
	if m := dropTablePattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindDropTable
		stmt.IfExists = m[1] != ""
		stmt.Table = parseQualifiedName(m[2])
		return stmt, nil
	}
	if m := alterRenamePattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindAlterTable
		stmt.Alter = AlterRename
		stmt.Table = parseQualifiedName(m[1])
		stmt.NewName = unquoteIdent(m[2])
		return stmt, nil
	}
	if m := alterDropColumnPattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindAlterTable
		stmt.Alter = AlterDropColumn
		stmt.Table = parseQualifiedName(m[1])
		stmt.Column = catalog.Column{Name: unquoteIdent(m[2])}
		return stmt, nil
	}
	if m := alterAddColumnPattern.FindStringSubmatch(text); m != nil {
		col, err := parseColumnDef(m[2] + " " + m[3])
		if err != nil {
			return nil, errors.NewQueryRejected(text, err.Error(), "use ALTER TABLE name ADD COLUMN column type")
		}
		stmt.Kind = KindAlterTable
		stmt.Alter = AlterAddColumn
		stmt.Table = parseQualifiedName(m[1])
		stmt.Column = col
		return stmt, nil
	}
	if m := setSearchPathPattern.FindStringSubmatch(text); m != nil {
		paths, reset, err := parseSearchPathValue(m[1])
		if err != nil {
			return nil, errors.NewQueryRejected(text, err.Error(), "use SET search_path = schema1, schema2")
		}
		stmt.Kind = KindSetSearchPath
		stmt.SearchPath = paths
		stmt.ResetSearchPath = reset
		return stmt, nil
	}
	if showSearchPathPattern.MatchString(text) {
		stmt.Kind = KindShowSearch
		return stmt, nil
	}
	if m := createCachePattern.FindStringSubmatch(text); m != nil {
		q, err := ParseQuery(m[2])
		if err != nil {
			return nil, err
		}
		stmt.Kind = KindCreateCache
		stmt.CacheName = unquoteIdent(m[1])
		stmt.Query = q
		return stmt, nil
	}
	if dropAllCachesPattern.MatchString(text) {
		stmt.Kind = KindDropAllCaches
		return stmt, nil
	}
	if m := dropCachePattern.FindStringSubmatch(text); m != nil {
		stmt.Kind = KindDropCache
		stmt.CacheName = unquoteIdent(m[1])
		return stmt, nil
	}
	if showCachesPattern.MatchString(text) {
		stmt.Kind = KindShowCaches
		return stmt, nil
	}
	if explainLastPattern.MatchString(text) {
		stmt.Kind = KindExplainLast
		return stmt, nil
	}

	if showProxiedPattern.MatchString(text) {
		stmt.Kind = KindShowProxied
		return stmt, nil
	}

	// Forms the cache owns must parse; anything else goes upstream as is.
	if ownedPrefixPattern.MatchString(text) {
		return nil, errors.NewQueryRejected(text,
			"unsupported statement",
			"supported: CREATE/DROP SCHEMA, CREATE/DROP/ALTER TABLE, SET search_path, CREATE/DROP CACHE, SHOW CACHES, SHOW PROXIED QUERIES, EXPLAIN LAST STATEMENT")
	}
	stmt.Kind = KindProxied
	return stmt, nil
}

// ReturnsRows reports whether a proxied statement produces a result set.
func (s *Statement) ReturnsRows() bool {
	return rowsPrefixPattern.MatchString(s.Raw)
}

// Write is an INSERT, UPDATE or DELETE.
type Write struct {
	Kind StatementKind

	text string
	refs []TableRef
}

// ParseWrite parses a data modification statement.
func ParseWrite(text string) (*Write, error) {
	text = trimStatement(text)
	parsed, err := sqlparser.Parse(backquoteIdents(text))
	if err != nil {
		return nil, errors.NewQueryRejected(text, fmt.Sprintf("syntax error: %v", err), "check the statement syntax")
	}

	w := &Write{text: sqlparser.String(parsed)}
	switch parsed.(type) {
	case *sqlparser.Insert:
		w.Kind = KindInsert
	case *sqlparser.Update:
		w.Kind = KindUpdate
	case *sqlparser.Delete:
		w.Kind = KindDelete
	default:
		return nil, errors.NewQueryRejected(text, "expected INSERT, UPDATE or DELETE", "check the statement syntax")
	}

	fresh, err := sqlparser.Parse(w.text)
	if err != nil {
		return nil, errors.NewQueryRejected(text, fmt.Sprintf("syntax error: %v", err), "check the statement syntax")
	}
	if ins, ok := fresh.(*sqlparser.Insert); ok {
		w.refs = append(w.refs, refOf(ins.Table))
	}
	for _, ate := range collectTableExprs(fresh) {
		w.refs = append(w.refs, refOf(ate.Expr.(sqlparser.TableName)))
	}
	return w, nil
}

// Refs returns the tables the write names, target first.
func (w *Write) Refs() []TableRef {
	return append([]TableRef(nil), w.refs...)
}

// Text returns the normalized statement text.
func (w *Write) Text() string {
	return w.text
}

// Render returns the statement with references replaced, in Refs order.
func (w *Write) Render(replacements []TableRef) (string, error) {
	fresh, err := sqlparser.Parse(w.text)
	if err != nil {
		return "", fmt.Errorf("sql: reparse write: %w", err)
	}
	i := 0
	if ins, ok := fresh.(*sqlparser.Insert); ok && i < len(replacements) {
		ins.Table = tableNameOf(replacements[i])
		i++
	}
	for _, ate := range collectTableExprs(fresh) {
		if i < len(replacements) {
			ate.Expr = tableNameOf(replacements[i])
		}
		i++
	}
	return sqlparser.String(fresh), nil
}
