package sql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/canonica-labs/querycache/internal/catalog"
)

const (
	identPattern = "(?:[A-Za-z_][A-Za-z0-9_$]*|\"[^\"]+\"|`[^`]+`)"
	qnamePattern = identPattern + `(?:\s*\.\s*` + identPattern + `)?`
)

// Patterns for statements the SQL parser library does not model.
var (
	createSchemaPattern = regexp.MustCompile(
		`(?is)^CREATE\s+SCHEMA\s+(IF\s+NOT\s+EXISTS\s+)?(` + identPattern + `)$`)

	dropSchemaPattern = regexp.MustCompile(
		`(?is)^DROP\s+SCHEMA\s+(IF\s+EXISTS\s+)?(` + identPattern + `)(\s+CASCADE|\s+RESTRICT)?$`)

	createTablePattern = regexp.MustCompile(
		`(?is)^CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?(` + qnamePattern + `)\s*(\(.*\))$`)

	dropTablePattern = regexp.MustCompile(
		`(?is)^DROP\s+TABLE\s+(IF\s+EXISTS\s+)?(` + qnamePattern + `)$`)

	alterAddColumnPattern = regexp.MustCompile(
		`(?is)^ALTER\s+TABLE\s+(` + qnamePattern + `)\s+ADD\s+(?:COLUMN\s+)?(` + identPattern + `)\s+(.+)$`)

	alterDropColumnPattern = regexp.MustCompile(
		`(?is)^ALTER\s+TABLE\s+(` + qnamePattern + `)\s+DROP\s+(?:COLUMN\s+)?(` + identPattern + `)$`)

	alterRenamePattern = regexp.MustCompile(
		`(?is)^ALTER\s+TABLE\s+(` + qnamePattern + `)\s+RENAME\s+TO\s+(` + identPattern + `)$`)

	setSearchPathPattern = regexp.MustCompile(
		`(?is)^SET\s+(?:SESSION\s+)?search_path\s*(?:=|\s+TO\s+)\s*(.*)$`)

	showSearchPathPattern = regexp.MustCompile(`(?is)^SHOW\s+search_path$`)

	createCachePattern = regexp.MustCompile(
		`(?is)^CREATE\s+CACHE\s+(?:(` + identPattern + `)\s+)?FROM\s+(.+)$`)

	dropCachePattern     = regexp.MustCompile(`(?is)^DROP\s+CACHE\s+(` + identPattern + `)$`)
	dropAllCachesPattern = regexp.MustCompile(`(?is)^DROP\s+ALL\s+CACHES$`)
	showCachesPattern    = regexp.MustCompile(`(?is)^SHOW\s+CACHES$`)
	explainLastPattern   = regexp.MustCompile(`(?is)^EXPLAIN\s+LAST\s+STATEMENT$`)
	showProxiedPattern   = regexp.MustCompile(`(?is)^SHOW\s+PROXIED\s+QUERIES$`)

	ownedPrefixPattern = regexp.MustCompile(
		`(?is)^(?:(?:CREATE|DROP)\s+(?:SCHEMA|TABLE|CACHE)|DROP\s+ALL\s+CACHES|ALTER\s+TABLE|` +
			`SET\s+search_path|SHOW\s+(?:search_path|CACHES|PROXIED)|EXPLAIN\s+LAST)\b`)

	rowsPrefixPattern = regexp.MustCompile(`(?is)^(?:SHOW|DESCRIBE|DESC|EXPLAIN|VALUES|TABLE)\b`)
)

// constraintKeywords end the type part of a column definition.
var constraintKeywords = []string{"NOT", "NULL", "PRIMARY", "DEFAULT", "REFERENCES", "UNIQUE", "CHECK", "COLLATE", "CONSTRAINT"}

// tableConstraintPrefixes start table-level constraints, which carry no
// column of their own.
var tableConstraintPrefixes = []string{"PRIMARY KEY", "UNIQUE", "FOREIGN KEY", "CONSTRAINT", "CHECK", "KEY", "INDEX"}

// parseQualifiedName splits "schema.name" or "name" and strips quotes.
func parseQualifiedName(s string) TableRef {
	sc := &scanner{s: strings.TrimSpace(s)}
	first, _ := sc.ident()
	sc.skipSpace()
	if !sc.peek('.') {
		return TableRef{Name: first}
	}
	sc.pos++
	sc.skipSpace()
	second, _ := sc.ident()
	return TableRef{Schema: first, Name: second}
}

// parseColumnDefs parses the parenthesized body of CREATE TABLE.
func parseColumnDefs(group string) ([]catalog.Column, error) {
	inner := strings.TrimSpace(group)
	inner = strings.TrimPrefix(inner, "(")
	inner = strings.TrimSuffix(inner, ")")

	parts, err := splitTopLevel(inner, ',')
	if err != nil {
		return nil, err
	}

	var cols []catalog.Column
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty column definition")
		}
		if isTableConstraint(part) {
			continue
		}
		col, err := parseColumnDef(part)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("a table needs at least one column")
	}
	return cols, nil
}

// parseColumnDef parses "name type [constraints]".
func parseColumnDef(def string) (catalog.Column, error) {
	sc := &scanner{s: strings.TrimSpace(def)}
	name, ok := sc.ident()
	if !ok {
		return catalog.Column{}, fmt.Errorf("invalid column definition %q", def)
	}
	sc.skipSpace()
	rest := sc.rest()
	if rest == "" {
		return catalog.Column{}, fmt.Errorf("column %s has no type", name)
	}

	upper := strings.ToUpper(rest)
	typeEnd := len(rest)
	for _, kw := range constraintKeywords {
		if idx := indexWord(upper, kw); idx >= 0 && idx < typeEnd {
			typeEnd = idx
		}
	}
	typ := strings.ToLower(strings.Join(strings.Fields(rest[:typeEnd]), " "))
	if typ == "" {
		return catalog.Column{}, fmt.Errorf("column %s has no type", name)
	}

	nullable := indexWord(upper, "PRIMARY") < 0 && !strings.Contains(strings.Join(strings.Fields(upper), " "), "NOT NULL")
	return catalog.Column{Name: name, Type: typ, Nullable: nullable}, nil
}

func isTableConstraint(part string) bool {
	upper := strings.ToUpper(strings.Join(strings.Fields(part), " "))
	for _, prefix := range tableConstraintPrefixes {
		if strings.HasPrefix(upper, prefix+" ") || strings.HasPrefix(upper, prefix+"(") {
			return true
		}
	}
	return false
}

// indexWord finds word in s on identifier boundaries.
func indexWord(s, word string) int {
	from := 0
	for {
		idx := strings.Index(s[from:], word)
		if idx < 0 {
			return -1
		}
		idx += from
		end := idx + len(word)
		beforeOK := idx == 0 || !isIdentChar(s[idx-1])
		afterOK := end == len(s) || !isIdentChar(s[end])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + 1
	}
}

// parseSearchPathValue parses the right-hand side of SET search_path.
// reset is true for DEFAULT.
func parseSearchPathValue(value string) (paths []string, reset bool, err error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "DEFAULT") {
		return nil, true, nil
	}
	parts, err := splitTopLevel(value, ',')
	if err != nil {
		return nil, false, err
	}
	for _, p := range parts {
		name := unquoteIdent(p)
		if name == "" {
			continue
		}
		paths = append(paths, name)
	}
	return paths, false, nil
}
