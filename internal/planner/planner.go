// Package planner assembles scoped list queries.
//
// Conditions are appended in a fixed order: the authorization predicate,
// the date range, the status, category and target equalities, then free
// text search. Placeholders are numbered once over the whole statement and
// pagination parameters always come last.
package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"adminscope/internal/predicate"
	"adminscope/internal/sqltype"
	"adminscope/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var (
	// ErrUnresolvedFilterColumn reports a filter value whose column does not
	// exist on the table. Filters are never dropped silently.
	ErrUnresolvedFilterColumn = errors.New("planner: filter column not resolved")
	// ErrUnsafeIdentifier reports a table, alias or column name that may not
	// be interpolated into SQL.
	ErrUnsafeIdentifier = errors.New("planner: unsafe identifier")
	// ErrInvalidPagination reports a negative limit or offset.
	ErrInvalidPagination = errors.New("planner: invalid pagination")
)

// Column is a resolved filter column. An empty Name means unresolved.
type Column struct {
	Name  string
	Class sqltype.Class
}

// Resolved reports whether the column exists on the table.
func (c Column) Resolved() bool {
	return c.Name != ""
}

// Columns are the physical columns backing each filter on one table.
type Columns struct {
	Alias    string
	Date     Column
	Status   Column
	Category Column
	Target   Column
	Search   []Column
}

// Filters are the caller supplied list filters. Zero values mean unset.
type Filters struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Status   string
	Category string
	TargetID string
	Search   string
	Limit    int
	Offset   int
}

// SQLQuery is a planned statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []any
}

// Source is what a plan selects from.
type Source struct {
	Table      string
	Columns    []string
	OrderBy    string
	Descending bool
}

// Plan is an assembled, immutable set of conditions plus pagination.
type Plan struct {
	alias      string
	conditions []predicate.Predicate
	limit      int
	offset     int
}

// Assemble builds a plan from the authorization predicate and filters.
func Assemble(auth predicate.Predicate, cols Columns, f Filters) (*Plan, error) {
	if cols.Alias != "" && !sqlutil.IsSafeIdentifier(cols.Alias) {
		return nil, fmt.Errorf("%w: alias", ErrUnsafeIdentifier)
	}
	limit, offset, err := normalizePagination(f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}

	p := &Plan{alias: cols.Alias, limit: limit, offset: offset}
	p.add(auth)

	if f.DateFrom != nil || f.DateTo != nil {
		col, err := p.column("date", cols.Date)
		if err != nil {
			return nil, err
		}
		p.add(predicate.Range(col, f.DateFrom, f.DateTo))
	}

	equalities := []struct {
		name  string
		col   Column
		value string
	}{
		{name: "status", col: cols.Status, value: f.Status},
		{name: "category", col: cols.Category, value: f.Category},
		{name: "target", col: cols.Target, value: f.TargetID},
	}
	for _, eq := range equalities {
		value := strings.TrimSpace(eq.value)
		if value == "" {
			continue
		}
		col, err := p.column(eq.name, eq.col)
		if err != nil {
			return nil, err
		}
		p.add(predicate.Equality(col, eq.col.Class, value))
	}

	if strings.TrimSpace(f.Search) != "" {
		var searchCols []predicate.Column
		for _, c := range cols.Search {
			if !c.Resolved() {
				continue
			}
			col, err := p.column("search", c)
			if err != nil {
				return nil, err
			}
			searchCols = append(searchCols, col)
		}
		if len(searchCols) == 0 {
			return nil, fmt.Errorf("%w: search", ErrUnresolvedFilterColumn)
		}
		p.add(predicate.FreeText(searchCols, f.Search))
	}

	return p, nil
}

func (p *Plan) add(cond predicate.Predicate) {
	if cond.IsEmpty() {
		return
	}
	p.conditions = append(p.conditions, cond)
}

func (p *Plan) column(filter string, c Column) (predicate.Column, error) {
	if !c.Resolved() {
		return predicate.Column{}, fmt.Errorf("%w: %s", ErrUnresolvedFilterColumn, filter)
	}
	if !sqlutil.IsSafeIdentifier(c.Name) {
		return predicate.Column{}, fmt.Errorf("%w: %s column", ErrUnsafeIdentifier, filter)
	}
	return predicate.Column{Alias: p.alias, Name: c.Name}, nil
}

func normalizePagination(limit, offset int) (int, int, error) {
	if limit < 0 {
		return 0, 0, fmt.Errorf("%w: limit must be non-negative", ErrInvalidPagination)
	}
	if offset < 0 {
		return 0, 0, fmt.Errorf("%w: offset must be non-negative", ErrInvalidPagination)
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, offset, nil
}

// ShortCircuit reports whether any condition is FALSE, so the query can
// only return nothing.
func (p *Plan) ShortCircuit() bool {
	for _, c := range p.conditions {
		if c.IsFalse() {
			return true
		}
	}
	return false
}

// Where renders the conditions joined with AND, numbered from $1.
// SQL is empty when there are no conditions.
func (p *Plan) Where() predicate.Fragment {
	next := 1
	parts := make([]string, 0, len(p.conditions))
	params := []any{}
	for _, c := range p.conditions {
		frag := c.Render(next)
		parts = append(parts, frag.SQL)
		params = append(params, frag.Params...)
		next = frag.NextParamIndex
	}
	return predicate.Fragment{SQL: strings.Join(parts, " AND "), Params: params, NextParamIndex: next}
}

// Pagination renders the LIMIT/OFFSET clause numbered from next.
func (p *Plan) Pagination(next int) predicate.Fragment {
	sql, after := predicate.Renumber("LIMIT ? OFFSET ?", next)
	return predicate.Fragment{SQL: sql, Params: []any{p.limit, p.offset}, NextParamIndex: after}
}

// Limit returns the effective page size.
func (p *Plan) Limit() int { return p.limit }

// Offset returns the effective page offset.
func (p *Plan) Offset() int { return p.offset }

// Select renders the paginated SELECT for src.
func (p *Plan) Select(src Source) (SQLQuery, error) {
	from, err := p.from(src.Table)
	if err != nil {
		return SQLQuery{}, err
	}
	columns, err := p.selectColumns(src.Columns)
	if err != nil {
		return SQLQuery{}, err
	}

	builder := p.where(sq.Select(columns...).From(from))
	if src.OrderBy != "" {
		order, ok := sqlutil.QualifyIdentifier(p.alias, src.OrderBy)
		if !ok {
			return SQLQuery{}, fmt.Errorf("%w: order by", ErrUnsafeIdentifier)
		}
		if src.Descending {
			order += " DESC"
		}
		builder = builder.OrderBy(order)
	}
	builder = builder.Suffix("LIMIT ? OFFSET ?", p.limit, p.offset)

	return toQuery(builder)
}

// Count renders SELECT COUNT(*) over the same conditions, without pagination.
func (p *Plan) Count(src Source) (SQLQuery, error) {
	from, err := p.from(src.Table)
	if err != nil {
		return SQLQuery{}, err
	}
	return toQuery(p.where(sq.Select("COUNT(*)").From(from)))
}

func (p *Plan) where(builder sq.SelectBuilder) sq.SelectBuilder {
	for _, c := range p.conditions {
		builder = builder.Where(c)
	}
	return builder
}

func (p *Plan) from(table string) (string, error) {
	name, ok := sqlutil.FormatIdentifier(table)
	if !ok {
		return "", fmt.Errorf("%w: table", ErrUnsafeIdentifier)
	}
	if p.alias == "" {
		return name, nil
	}
	alias, _ := sqlutil.FormatIdentifier(p.alias)
	return name + " AS " + alias, nil
}

func (p *Plan) selectColumns(names []string) ([]string, error) {
	if len(names) == 0 {
		if p.alias == "" {
			return []string{"*"}, nil
		}
		alias, _ := sqlutil.FormatIdentifier(p.alias)
		return []string{alias + ".*"}, nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		col, ok := sqlutil.QualifyIdentifier(p.alias, name)
		if !ok {
			return nil, fmt.Errorf("%w: column", ErrUnsafeIdentifier)
		}
		out = append(out, col)
	}
	return out, nil
}

func toQuery(builder sq.SelectBuilder) (SQLQuery, error) {
	query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	if args == nil {
		args = []any{}
	}
	return SQLQuery{SQL: query, Args: args}, nil
}
