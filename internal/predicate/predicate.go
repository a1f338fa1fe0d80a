// Package predicate builds SQL WHERE fragments as typed values.
//
// A Predicate holds its text with '?' placeholders and its arguments in
// order. Predicates compose freely (And, Or, or as squirrel Sqlizers) and
// are numbered only when rendered, so combining fragments never produces
// colliding or skipped $n indices.
package predicate

import (
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const falseSQL = "FALSE"

// Predicate is an immutable SQL condition with positional arguments.
// The zero value is the empty predicate: no condition at all.
type Predicate struct {
	sql   string
	args  []any
	never bool
}

// Fragment is a rendered predicate with $n placeholders.
type Fragment struct {
	SQL            string
	Params         []any
	NextParamIndex int
}

var _ sq.Sqlizer = Predicate{}

// False returns the predicate that can never match. It carries no arguments.
func False() Predicate {
	return Predicate{sql: falseSQL, never: true}
}

// Empty returns the predicate that adds no condition.
func Empty() Predicate {
	return Predicate{}
}

// FromSqlizer captures a squirrel condition as a Predicate.
func FromSqlizer(s sq.Sqlizer) (Predicate, error) {
	sql, args, err := s.ToSql()
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{sql: sql, args: args}, nil
}

// ToSql implements squirrel.Sqlizer with '?' placeholders.
func (p Predicate) ToSql() (string, []any, error) {
	return p.sql, cloneArgs(p.args), nil
}

// IsFalse reports whether p can never match.
func (p Predicate) IsFalse() bool {
	return p.never
}

// IsEmpty reports whether p adds no condition.
func (p Predicate) IsEmpty() bool {
	return p.sql == "" && !p.never
}

// Args returns a copy of the arguments in placeholder order.
func (p Predicate) Args() []any {
	return cloneArgs(p.args)
}

// Render numbers the placeholders of p starting at start (start < 1 is
// treated as 1) and reports the next free index.
func (p Predicate) Render(start int) Fragment {
	if start < 1 {
		start = 1
	}
	sql, next := Renumber(p.sql, start)
	return Fragment{SQL: sql, Params: cloneArgs(p.args), NextParamIndex: next}
}

// String renders p numbered from $1.
func (p Predicate) String() string {
	return p.Render(1).SQL
}

// And joins parts with AND. Any FALSE part makes the result FALSE; empty
// parts are skipped.
func And(parts ...Predicate) Predicate {
	kept := make(sq.And, 0, len(parts))
	for _, part := range parts {
		if part.never {
			return False()
		}
		if part.IsEmpty() {
			continue
		}
		kept = append(kept, part)
	}
	return collapse(kept, kept)
}

// Or joins parts with OR. FALSE parts are skipped and an empty part makes
// the whole disjunction unconditional. Or of nothing is FALSE.
func Or(parts ...Predicate) Predicate {
	kept := make(sq.Or, 0, len(parts))
	for _, part := range parts {
		if part.never {
			continue
		}
		if part.IsEmpty() {
			return Empty()
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return False()
	}
	return collapse(kept, kept)
}

// collapse unwraps single-part conjunctions so they render without parens.
func collapse(parts []sq.Sqlizer, joined sq.Sqlizer) Predicate {
	switch len(parts) {
	case 0:
		return Empty()
	case 1:
		return parts[0].(Predicate)
	}
	sql, args, _ := joined.ToSql()
	return Predicate{sql: sql, args: args}
}

// Renumber rewrites '?' placeholders as $start, $start+1, ... and returns
// the next free index. "??" is an escaped literal question mark.
func Renumber(sql string, start int) (string, int) {
	next := start
	if !strings.Contains(sql, "?") {
		return sql, next
	}
	var b strings.Builder
	b.Grow(len(sql) + 8)
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c != '?' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(sql) && sql[i+1] == '?' {
			b.WriteByte('?')
			i++
			continue
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(next))
		next++
	}
	return b.String(), next
}

func cloneArgs(args []any) []any {
	if len(args) == 0 {
		return []any{}
	}
	return append([]any(nil), args...)
}
