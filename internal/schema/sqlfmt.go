package schema

import (
	"fmt"
	"strings"
)

// ParseEnum extracts the values of a MySQL COLUMN_TYPE such as
// enum('active','it''s'). Doubled quotes inside a value are unescaped.
func ParseEnum(columnType string) ([]string, error) {
	t := strings.TrimSpace(columnType)
	if len(t) < 6 || !strings.EqualFold(t[:5], "enum(") || t[len(t)-1] != ')' {
		return nil, fmt.Errorf("%w: %s", ErrNotEnum, columnType)
	}
	body := t[5 : len(t)-1]
	var (
		out []string
		cur strings.Builder
		in  bool
	)
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case !in && ch == '\'':
			in = true
			cur.Reset()
		case !in && (ch == ',' || ch == ' '):
		case !in:
			return nil, fmt.Errorf("malformed enum %s", columnType)
		case ch == '\\' && i+1 < len(body):
			i++
			cur.WriteByte(body[i])
		case ch == '\'' && i+1 < len(body) && body[i+1] == '\'':
			i++
			cur.WriteByte('\'')
		case ch == '\'':
			in = false
			out = append(out, cur.String())
		default:
			cur.WriteByte(ch)
		}
	}
	if in {
		return nil, fmt.Errorf("unterminated enum %s", columnType)
	}
	return out, nil
}

// EnumType renders ENUM('a','b') for values.
func EnumType(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = QuoteString(v)
	}
	return "ENUM(" + strings.Join(quoted, ",") + ")"
}

// QuoteIdent wraps a table, column or constraint name in backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func QuoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// UnquoteString returns the value of a single-quoted SQL literal. ok is false
// when s is not exactly one quoted literal.
func UnquoteString(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", false
	}
	var b strings.Builder
	body := s[1 : len(s)-1]
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\\' && i+1 < len(body):
			i++
			b.WriteByte(body[i])
		case ch == '\'' && i+1 < len(body) && body[i+1] == '\'':
			i++
			b.WriteByte('\'')
		case ch == '\'':
			return "", false
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), true
}
