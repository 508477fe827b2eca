package sql

import (
	"fmt"
	"strings"
	"unicode"
)

// scanner walks the clauses the SQL parser library does not understand
// (the WITH preamble, column definitions, value lists). It only tracks
// quoting and parenthesis depth.
type scanner struct {
	s   string
	pos int
}

func (sc *scanner) eof() bool {
	return sc.pos >= len(sc.s)
}

func (sc *scanner) rest() string {
	return sc.s[sc.pos:]
}

func (sc *scanner) skipSpace() {
	for sc.pos < len(sc.s) {
		switch {
		case unicode.IsSpace(rune(sc.s[sc.pos])):
			sc.pos++
		case strings.HasPrefix(sc.s[sc.pos:], "--"):
			if nl := strings.IndexByte(sc.s[sc.pos:], '\n'); nl >= 0 {
				sc.pos += nl + 1
			} else {
				sc.pos = len(sc.s)
			}
		case strings.HasPrefix(sc.s[sc.pos:], "/*"):
			if end := strings.Index(sc.s[sc.pos+2:], "*/"); end >= 0 {
				sc.pos += end + 4
			} else {
				sc.pos = len(sc.s)
			}
		default:
			return
		}
	}
}

// keyword consumes kw if it appears next as a whole word.
func (sc *scanner) keyword(kw string) bool {
	end := sc.pos + len(kw)
	if end > len(sc.s) || !strings.EqualFold(sc.s[sc.pos:end], kw) {
		return false
	}
	if end < len(sc.s) && isIdentChar(sc.s[end]) {
		return false
	}
	sc.pos = end
	return true
}

func (sc *scanner) peek(c byte) bool {
	return sc.pos < len(sc.s) && sc.s[sc.pos] == c
}

// ident reads a bare, "double-quoted" or `backquoted` identifier.
func (sc *scanner) ident() (string, bool) {
	if sc.eof() {
		return "", false
	}
	switch q := sc.s[sc.pos]; q {
	case '"', '`':
		end := strings.IndexByte(sc.s[sc.pos+1:], q)
		if end <= 0 {
			return "", false
		}
		name := sc.s[sc.pos+1 : sc.pos+1+end]
		sc.pos += end + 2
		return name, true
	}
	start := sc.pos
	if !isIdentStart(sc.s[start]) {
		return "", false
	}
	for sc.pos < len(sc.s) && isIdentChar(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.s[start:sc.pos], true
}

// parenBody reads a parenthesized group starting at the current '(' and
// returns its inner text.
func (sc *scanner) parenBody() (string, error) {
	if !sc.peek('(') {
		return "", fmt.Errorf("expected '(' at offset %d", sc.pos)
	}
	end, err := matchParen(sc.s, sc.pos)
	if err != nil {
		return "", err
	}
	inner := sc.s[sc.pos+1 : end]
	sc.pos = end + 1
	return inner, nil
}

// matchParen returns the index of the ')' closing the '(' at open.
func matchParen(s string, open int) (int, error) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"', '`':
			end, err := skipQuoted(s, i)
			if err != nil {
				return 0, err
			}
			i = end
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses")
}

// skipQuoted returns the index of the quote closing the one at start.
// A doubled quote character is an escaped quote.
func skipQuoted(s string, start int) (int, error) {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i, nil
	}
	return 0, fmt.Errorf("unterminated quoted string")
}

// splitTopLevel splits s on sep characters that are outside parentheses
// and quotes. Parts are trimmed; empty parts are kept.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"', '`':
			end, err := skipQuoted(s, i)
			if err != nil {
				return nil, err
			}
			i = end
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		case sep:
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	return append(parts, strings.TrimSpace(s[start:])), nil
}

// backquoteIdents rewrites "double-quoted" identifiers as `backquoted`
// ones, so the SQL parser library reads them as identifiers the way the
// DDL patterns do. Single-quoted strings are left alone. Text with an
// unterminated quote is returned unchanged for the parser to reject.
func backquoteIdents(s string) string {
	if strings.IndexByte(s, '"') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\'' && c != '"' && c != '`' {
			b.WriteByte(c)
			continue
		}
		end, err := skipQuoted(s, i)
		if err != nil {
			return s
		}
		if c != '"' {
			b.WriteString(s[i : end+1])
		} else {
			name := strings.ReplaceAll(s[i+1:end], `""`, `"`)
			b.WriteByte('`')
			b.WriteString(strings.ReplaceAll(name, "`", "``"))
			b.WriteByte('`')
		}
		i = end
	}
	return b.String()
}

// unquoteIdent strips one layer of identifier or string quotes.
func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch s[0] {
		case '"', '`', '\'':
			if s[len(s)-1] == s[0] {
				return s[1 : len(s)-1]
			}
		}
	}
	return s
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}

// SplitStatements splits a script on semicolons outside quotes and
// parentheses. Empty statements are dropped.
func SplitStatements(script string) ([]string, error) {
	parts, err := splitTopLevel(script, ';')
	if err != nil {
		return nil, err
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
