package predicate

import (
	"math"
	"strconv"
	"strings"
	"time"

	"adminscope/internal/sqltype"
	"adminscope/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

// Column names a resolved column, optionally qualified by a table alias.
type Column struct {
	Alias string
	Name  string
}

// Expr returns the column as SQL text. It fails when the column is absent
// or either part is not a safe identifier.
func (c Column) Expr() (string, bool) {
	if c.Name == "" {
		return "", false
	}
	return sqlutil.QualifyIdentifier(c.Alias, c.Name)
}

// Equality compares column to a single value. Numeric columns require an
// integer value; anything else yields FALSE rather than a type error.
func Equality(col Column, class sqltype.Class, value string) Predicate {
	expr, ok := col.Expr()
	if !ok {
		return False()
	}
	if class == sqltype.Numeric {
		n, ok := parseCanonicalInt(value)
		if !ok {
			return False()
		}
		return Predicate{sql: expr + " = ?", args: []any{n}}
	}
	p, _ := FromSqlizer(sq.Eq{expr: value})
	return p
}

// Membership tests column against a set of ids.
//
// Numeric columns compare against an int[] built from the ids that are
// canonical 32-bit decimal integers; the rest are dropped. Text columns compare the
// column cast to text against a text[] of the ids. An absent column, an
// empty id list, or a numeric list with nothing parseable yields FALSE.
func Membership(col Column, class sqltype.Class, ids []string) Predicate {
	expr, ok := col.Expr()
	if !ok || len(ids) == 0 {
		return False()
	}
	if class == sqltype.Numeric {
		vals, _ := ParseIntIDs(ids)
		if len(vals) == 0 {
			return False()
		}
		return Predicate{sql: expr + " = ANY(?::int[])", args: []any{pq.Int64Array(vals)}}
	}
	return Predicate{sql: expr + "::text = ANY(?::text[])", args: []any{pq.StringArray(dedupe(ids))}}
}

// BuildMembership is Membership rendered from startParamIndex.
func BuildMembership(col Column, class sqltype.Class, ids []string, startParamIndex int) Fragment {
	return Membership(col, class, ids).Render(startParamIndex)
}

// ParseIntIDs keeps the ids that are canonical 32-bit decimal integers,
// deduplicated in first-seen order, and reports how many were dropped.
// Padded, signed or zero-prefixed forms ("+3", " 7 ", "007") are dropped.
// The cap matches the ::int[] cast Membership renders.
func ParseIntIDs(ids []string) ([]int64, int) {
	vals := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	dropped := 0
	for _, id := range ids {
		n, ok := parseCanonicalInt(id)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			dropped++
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		vals = append(vals, n)
	}
	return vals, dropped
}

// parseCanonicalInt accepts only the decimal form strconv would print.
func parseCanonicalInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != s {
		return 0, false
	}
	return n, true
}

// IDs stringifies a list of identifiers for Membership.
func IDs[T int | int32 | int64 | string](vals []T) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		switch x := any(v).(type) {
		case string:
			out = append(out, x)
		default:
			out = append(out, strconv.FormatInt(toInt64(x), 10))
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	}
	return 0
}

// Range bounds column inclusively. Either bound may be nil; with neither
// the result is Empty.
func Range(col Column, from, to *time.Time) Predicate {
	if from == nil && to == nil {
		return Empty()
	}
	expr, ok := col.Expr()
	if !ok {
		return False()
	}
	var parts []Predicate
	if from != nil {
		p, _ := FromSqlizer(sq.GtOrEq{expr: *from})
		parts = append(parts, p)
	}
	if to != nil {
		p, _ := FromSqlizer(sq.LtOrEq{expr: *to})
		parts = append(parts, p)
	}
	return And(parts...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FreeText matches term as a case-insensitive substring of any column.
// Each column is cast to text and gets its own parameter. A blank term is
// Empty; a term with no usable column is FALSE.
func FreeText(cols []Column, term string) Predicate {
	term = strings.TrimSpace(term)
	if term == "" {
		return Empty()
	}
	pattern := "%" + likeEscaper.Replace(term) + "%"
	var parts []Predicate
	for _, col := range cols {
		expr, ok := col.Expr()
		if !ok {
			continue
		}
		p, _ := FromSqlizer(sq.ILike{expr + "::text": pattern})
		parts = append(parts, p)
	}
	return Or(parts...)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
