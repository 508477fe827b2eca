package sql

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/canonica-labs/querycache/internal/errors"
)

// TableRef is a table reference as written in a statement.
type TableRef struct {
	Schema string
	Name   string
}

// Qualified reports whether the reference names its schema.
func (r TableRef) Qualified() bool {
	return r.Schema != ""
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// CTE is one binding of a WITH clause.
type CTE struct {
	Name    string
	Columns []string
	Query   *Query
}

// Query is a read query: an optional WITH preamble and a body. Each CTE
// body is itself a Query and may carry its own WITH preamble.
type Query struct {
	CTEs []*CTE

	body     sqlparser.SelectStatement
	bodyText string
	refs     []TableRef
	key      string
}

// ParseQuery parses a SELECT, optionally preceded by WITH bindings.
func ParseQuery(text string) (*Query, error) {
	text = trimStatement(text)
	if text == "" {
		return nil, errors.NewQueryRejected(text, "empty query", "provide a SELECT query")
	}

	q := &Query{}
	sc := &scanner{s: text}
	sc.skipSpace()
	if sc.keyword("WITH") {
		sc.skipSpace()
		if sc.keyword("RECURSIVE") {
			return nil, errors.NewQueryRejected(text,
				"recursive WITH bindings are not supported",
				"rewrite the query without WITH RECURSIVE")
		}
		if err := q.parseBindings(sc); err != nil {
			return nil, errors.NewQueryRejected(text, err.Error(), "check the WITH clause syntax")
		}
	}

	bodyRaw := strings.TrimSpace(sc.rest())
	body, err := parseSelect(bodyRaw)
	if err != nil {
		return nil, err
	}
	q.bodyText = sqlparser.String(body)

	// Reparse the normalized text so that refs and rendering walk the
	// same tree shape.
	q.body, err = parseSelect(q.bodyText)
	if err != nil {
		return nil, err
	}
	for _, ref := range collectTableExprs(q.body) {
		q.refs = append(q.refs, refOf(ref.Expr.(sqlparser.TableName)))
	}
	q.key = q.render(nil)
	return q, nil
}

func (q *Query) parseBindings(sc *scanner) error {
	for {
		sc.skipSpace()
		name, ok := sc.ident()
		if !ok {
			return fmt.Errorf("expected a binding name after WITH")
		}
		cte := &CTE{Name: name}

		sc.skipSpace()
		if sc.peek('(') {
			list, err := sc.parenBody()
			if err != nil {
				return err
			}
			parts, err := splitTopLevel(list, ',')
			if err != nil {
				return err
			}
			for _, p := range parts {
				if p == "" {
					return fmt.Errorf("empty column name in binding %s", name)
				}
				cte.Columns = append(cte.Columns, unquoteIdent(p))
			}
			sc.skipSpace()
		}

		if !sc.keyword("AS") {
			return fmt.Errorf("expected AS after binding %s", name)
		}
		sc.skipSpace()
		inner, err := sc.parenBody()
		if err != nil {
			return fmt.Errorf("binding %s: %v", name, err)
		}
		sub, err := ParseQuery(inner)
		if err != nil {
			return fmt.Errorf("binding %s: %v", name, err)
		}
		cte.Query = sub
		q.CTEs = append(q.CTEs, cte)

		sc.skipSpace()
		if !sc.peek(',') {
			return nil
		}
		sc.pos++
	}
}

// Key returns the normalized query text that identifies a cached query.
// Keywords are lowercased and whitespace collapsed; identifiers keep their
// case. The search path is not part of the key.
func (q *Query) Key() string {
	return q.key
}

// Refs returns the table references of the body in walk order. References
// inside WITH bodies belong to the CTE's own Query.
func (q *Query) Refs() []TableRef {
	return append([]TableRef(nil), q.refs...)
}

// Rewrites maps a Query to replacement references for its body, in the
// order returned by Refs.
type Rewrites map[*Query][]TableRef

// Render returns the query text with references replaced per rw. Queries
// absent from rw render unchanged.
func (q *Query) Render(rw Rewrites) string {
	return q.render(rw)
}

func (q *Query) render(rw Rewrites) string {
	var b strings.Builder
	if len(q.CTEs) > 0 {
		b.WriteString("with ")
		for i, cte := range q.CTEs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatIdent(cte.Name))
			if len(cte.Columns) > 0 {
				cols := make([]string, len(cte.Columns))
				for j, c := range cte.Columns {
					cols[j] = formatIdent(c)
				}
				b.WriteString("(" + strings.Join(cols, ", ") + ")")
			}
			b.WriteString(" as (")
			b.WriteString(cte.Query.render(rw))
			b.WriteString(")")
		}
		b.WriteString(" ")
	}

	replacements, ok := rw[q]
	if !ok {
		b.WriteString(q.bodyText)
		return b.String()
	}

	fresh, err := parseSelect(q.bodyText)
	if err != nil {
		// bodyText was produced by the parser and parsed once already.
		b.WriteString(q.bodyText)
		return b.String()
	}
	for i, expr := range collectTableExprs(fresh) {
		if i < len(replacements) {
			expr.Expr = tableNameOf(replacements[i])
		}
	}
	b.WriteString(sqlparser.String(fresh))
	return b.String()
}

func parseSelect(text string) (sqlparser.SelectStatement, error) {
	stmt, err := sqlparser.Parse(backquoteIdents(text))
	if err != nil {
		return nil, errors.NewQueryRejected(text, fmt.Sprintf("syntax error: %v", err), "check the query syntax")
	}
	sel, ok := stmt.(sqlparser.SelectStatement)
	if !ok {
		return nil, errors.NewQueryRejected(text, "expected a SELECT query", "only SELECT queries can be cached")
	}
	return sel, nil
}

// collectTableExprs returns the table expressions that name a table, in
// walk order. sqlparser fills FROM-less selects with an unqualified "dual",
// which is skipped.
func collectTableExprs(node sqlparser.SQLNode) []*sqlparser.AliasedTableExpr {
	var out []*sqlparser.AliasedTableExpr
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		ate, ok := n.(*sqlparser.AliasedTableExpr)
		if !ok {
			return true, nil
		}
		tn, ok := ate.Expr.(sqlparser.TableName)
		if !ok {
			return true, nil
		}
		if tn.Qualifier.IsEmpty() && strings.EqualFold(tn.Name.String(), "dual") {
			return true, nil
		}
		out = append(out, ate)
		return true, nil
	}, node)
	return out
}

func refOf(tn sqlparser.TableName) TableRef {
	return TableRef{Schema: tn.Qualifier.String(), Name: tn.Name.String()}
}

func tableNameOf(ref TableRef) sqlparser.TableName {
	return sqlparser.TableName{
		Name:      sqlparser.NewTableIdent(ref.Name),
		Qualifier: sqlparser.NewTableIdent(ref.Schema),
	}
}

func formatIdent(name string) string {
	buf := sqlparser.NewTrackedBuffer(nil)
	sqlparser.NewTableIdent(name).Format(buf)
	return buf.String()
}

func trimStatement(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}
