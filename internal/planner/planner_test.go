package planner

import (
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	"adminscope/internal/predicate"
	"adminscope/internal/sqltype"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

func requireContiguous(t *testing.T, sql string, params []any) {
	t.Helper()
	matches := placeholderRE.FindAllStringSubmatch(sql, -1)
	require.Len(t, matches, len(params), "placeholder count must match params in %q", sql)
	for i, m := range matches {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		require.Equal(t, i+1, n, "placeholder %d in %q", i, sql)
	}
}

func ticketColumns() Columns {
	return Columns{
		Date:     Column{Name: "created_at"},
		Status:   Column{Name: "status"},
		Category: Column{Name: "category"},
		Target:   Column{Name: "user_id", Class: sqltype.Numeric},
		Search:   []Column{{Name: "title"}, {Name: "description"}, {}},
	}
}

func ownedAuth() predicate.Predicate {
	return predicate.Membership(predicate.Column{Name: "hotel_id"}, sqltype.Numeric, []string{"3", "7"})
}

func TestAssemble_NoConditions(t *testing.T) {
	plan, err := Assemble(predicate.Empty(), ticketColumns(), Filters{})
	require.NoError(t, err)

	where := plan.Where()
	assert.Empty(t, where.SQL)
	assert.Empty(t, where.Params)
	assert.Equal(t, 1, where.NextParamIndex)

	q, err := plan.Select(Source{Table: "tickets"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM tickets LIMIT $1 OFFSET $2", q.SQL)
	assert.Equal(t, []any{DefaultListLimit, 0}, q.Args)
}

func TestAssemble_ReservedColumnQuoted(t *testing.T) {
	plan, err := Assemble(predicate.Empty(), Columns{Target: Column{Name: "user"}}, Filters{TargetID: "42"})
	require.NoError(t, err)

	q, err := plan.Select(Source{Table: "tickets", OrderBy: "order"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM tickets WHERE "user" = $1 ORDER BY "order" LIMIT $2 OFFSET $3`, q.SQL)
	assert.Equal(t, []any{"42", DefaultListLimit, 0}, q.Args)
}

func TestAssemble_FixedOrderAllFilters(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
	filters := Filters{
		DateFrom: &from,
		DateTo:   &to,
		Status:   "open",
		Category: "plumbing",
		TargetID: "12",
		Search:   "leak",
		Limit:    25,
		Offset:   50,
	}

	plan, err := Assemble(ownedAuth(), ticketColumns(), filters)
	require.NoError(t, err)

	where := plan.Where()
	assert.Equal(t,
		"hotel_id = ANY($1::int[]) AND (created_at >= $2 AND created_at <= $3) AND status = $4 AND category = $5 AND user_id = $6 AND (title::text ILIKE $7 OR description::text ILIKE $8)",
		where.SQL)
	assert.Equal(t, []any{pq.Int64Array{3, 7}, from, to, "open", "plumbing", int64(12), "%leak%", "%leak%"}, where.Params)
	assert.Equal(t, 9, where.NextParamIndex)

	page := plan.Pagination(where.NextParamIndex)
	assert.Equal(t, "LIMIT $9 OFFSET $10", page.SQL)
	assert.Equal(t, []any{25, 50}, page.Params)

	q, err := plan.Select(Source{Table: "tickets", Columns: []string{"id", "title"}, OrderBy: "created_at", Descending: true})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, title FROM tickets WHERE hotel_id = ANY($1::int[]) AND (created_at >= $2 AND created_at <= $3) AND status = $4 AND category = $5 AND user_id = $6 AND (title::text ILIKE $7 OR description::text ILIKE $8) ORDER BY created_at DESC LIMIT $9 OFFSET $10",
		q.SQL)
	requireContiguous(t, q.SQL, q.Args)
	assert.Equal(t, []any{25, 50}, q.Args[len(q.Args)-2:], "pagination params come last")
}

func TestAssemble_PlaceholderRoundTrip(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	auths := map[string]predicate.Predicate{
		"unrestricted": predicate.Empty(),
		"owned":        ownedAuth(),
		"branch":       predicate.Equality(predicate.Column{Name: "branch"}, sqltype.Text, "North"),
		"union": predicate.Or(
			ownedAuth(),
			predicate.Equality(predicate.Column{Name: "branch"}, sqltype.Text, "North"),
		),
	}
	filterSets := []Filters{
		{},
		{Status: "open"},
		{DateFrom: &from, Search: "x"},
		{DateTo: &from, Category: "a", TargetID: "4", Search: "y", Limit: 5, Offset: 5},
	}

	for name, auth := range auths {
		for i, f := range filterSets {
			t.Run(name+"/"+strconv.Itoa(i), func(t *testing.T) {
				plan, err := Assemble(auth, ticketColumns(), f)
				require.NoError(t, err)

				where := plan.Where()
				requireContiguous(t, where.SQL, where.Params)
				assert.Equal(t, len(where.Params)+1, where.NextParamIndex)

				q, err := plan.Select(Source{Table: "tickets"})
				require.NoError(t, err)
				requireContiguous(t, q.SQL, q.Args)

				c, err := plan.Count(Source{Table: "tickets"})
				require.NoError(t, err)
				requireContiguous(t, c.SQL, c.Args)
				assert.Equal(t, where.Params, c.Args)
			})
		}
	}
}

func TestAssemble_AliasQualifiesColumns(t *testing.T) {
	cols := ticketColumns()
	cols.Alias = "t"
	auth := predicate.Membership(predicate.Column{Alias: "t", Name: "hotel_id"}, sqltype.Numeric, []string{"1"})

	plan, err := Assemble(auth, cols, Filters{Status: "open"})
	require.NoError(t, err)

	q, err := plan.Select(Source{Table: "tickets", OrderBy: "createdAt"})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT t.* FROM tickets AS t WHERE t.hotel_id = ANY($1::int[]) AND t.status = $2 ORDER BY t."createdAt" LIMIT $3 OFFSET $4`,
		q.SQL)
}

func TestAssemble_Count(t *testing.T) {
	plan, err := Assemble(ownedAuth(), ticketColumns(), Filters{Status: "closed", Limit: 10, Offset: 20})
	require.NoError(t, err)

	c, err := plan.Count(Source{Table: "tickets"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM tickets WHERE hotel_id = ANY($1::int[]) AND status = $2", c.SQL)
	assert.Equal(t, []any{pq.Int64Array{3, 7}, "closed"}, c.Args)
}

func TestAssemble_ShortCircuit(t *testing.T) {
	plan, err := Assemble(predicate.False(), ticketColumns(), Filters{Status: "open"})
	require.NoError(t, err)
	assert.True(t, plan.ShortCircuit())
	assert.Equal(t, "FALSE AND status = $1", plan.Where().SQL)

	plan, err = Assemble(ownedAuth(), ticketColumns(), Filters{TargetID: "not-a-number"})
	require.NoError(t, err)
	assert.True(t, plan.ShortCircuit(), "non-numeric id on a numeric column can match nothing")

	plan, err = Assemble(ownedAuth(), ticketColumns(), Filters{})
	require.NoError(t, err)
	assert.False(t, plan.ShortCircuit())
}

func TestAssemble_Errors(t *testing.T) {
	from := time.Now()
	tests := []struct {
		name    string
		cols    Columns
		filters Filters
		want    error
	}{
		{name: "date column missing", cols: Columns{}, filters: Filters{DateFrom: &from}, want: ErrUnresolvedFilterColumn},
		{name: "status column missing", cols: Columns{}, filters: Filters{Status: "open"}, want: ErrUnresolvedFilterColumn},
		{name: "no search columns", cols: Columns{Search: []Column{{}}}, filters: Filters{Search: "x"}, want: ErrUnresolvedFilterColumn},
		{name: "unsafe status column", cols: Columns{Status: Column{Name: "status; --"}}, filters: Filters{Status: "open"}, want: ErrUnsafeIdentifier},
		{name: "unsafe alias", cols: Columns{Alias: "t t"}, want: ErrUnsafeIdentifier},
		{name: "negative limit", filters: Filters{Limit: -1}, want: ErrInvalidPagination},
		{name: "negative offset", filters: Filters{Offset: -5}, want: ErrInvalidPagination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(predicate.Empty(), tt.cols, tt.filters)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestAssemble_BlankFiltersIgnored(t *testing.T) {
	plan, err := Assemble(predicate.Empty(), Columns{}, Filters{Status: "  ", Search: "\t"})
	require.NoError(t, err)
	assert.Empty(t, plan.Where().SQL)
}

func TestAssemble_LimitClamp(t *testing.T) {
	plan, err := Assemble(predicate.Empty(), Columns{}, Filters{Limit: 50000})
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, plan.Limit())
	assert.Equal(t, 0, plan.Offset())
}

func TestSelect_UnsafeSource(t *testing.T) {
	plan, err := Assemble(predicate.Empty(), Columns{}, Filters{})
	require.NoError(t, err)

	_, err = plan.Select(Source{Table: "tickets; drop table users"})
	assert.True(t, errors.Is(err, ErrUnsafeIdentifier))

	_, err = plan.Select(Source{Table: "tickets", Columns: []string{"id", "1bad"}})
	assert.True(t, errors.Is(err, ErrUnsafeIdentifier))

	_, err = plan.Select(Source{Table: "tickets", OrderBy: "created at"})
	assert.True(t, errors.Is(err, ErrUnsafeIdentifier))

	_, err = plan.Count(Source{Table: ""})
	assert.True(t, errors.Is(err, ErrUnsafeIdentifier))
}
