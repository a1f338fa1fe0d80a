package scope

import (
	"context"
	"testing"

	"adminscope/internal/schemaprobe"
	"adminscope/internal/sqltype"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticColumns resolves attributes from a fixed table -> column -> type map.
type staticColumns map[string]map[string]string

func (s staticColumns) ResolveAttribute(_ context.Context, table string, attr schemaprobe.Attribute) schemaprobe.ResolvedColumn {
	for _, cand := range attr.Candidates {
		if dataType, ok := s[table][cand]; ok {
			return schemaprobe.ResolvedColumn{
				Table:       table,
				LogicalName: attr.Name,
				ActualName:  cand,
				Found:       true,
				Class:       sqltype.Classify(dataType),
			}
		}
	}
	return schemaprobe.ResolvedColumn{Table: table, LogicalName: attr.Name}
}

var registry = schemaprobe.DefaultRegistry()

func target(table string) Target {
	return Target{
		Table:  table,
		Hotel:  registry.MustAttribute(schemaprobe.HotelRef),
		Branch: registry.MustAttribute(schemaprobe.BranchRef),
	}
}

var testSchema = staticColumns{
	"rooms":   {"id": "integer", "hotel_id": "integer", "branch": "character varying"},
	"tickets": {"id": "integer", "hotel_ref": "character varying", "branch_name": "text"},
	"notes":   {"id": "integer", "body": "text"},
}

func TestStateFor(t *testing.T) {
	tests := []struct {
		name string
		sc   Context
		want State
	}{
		{name: "admin", sc: Context{Identity: Identity{Role: RoleAdmin}}, want: Unrestricted},
		{name: "admin with branch", sc: Context{Identity: Identity{Role: RoleAdmin, Branch: "North"}}, want: Unrestricted},
		{name: "manager owning hotels", sc: Context{Identity: Identity{Role: RoleManager}, OwnedHotelIDs: []string{"1"}}, want: OwnedSet},
		{name: "manager owning hotels with branch", sc: Context{Identity: Identity{Role: RoleManager, Branch: "North"}, OwnedHotelIDs: []string{"1"}}, want: OwnedSet},
		{name: "manager with branch", sc: Context{Identity: Identity{Role: RoleManager, Branch: "North"}}, want: BranchScoped},
		{name: "staff with branch", sc: Context{Identity: Identity{Role: RoleStaff, Branch: "North"}}, want: BranchScoped},
		{name: "staff owning hotels", sc: Context{Identity: Identity{Role: RoleStaff}, OwnedHotelIDs: []string{"1"}}, want: Empty},
		{name: "manager with nothing", sc: Context{Identity: Identity{Role: RoleManager}}, want: Empty},
		{name: "blank branch", sc: Context{Identity: Identity{Role: RoleStaff, Branch: "   "}}, want: Empty},
		{name: "unknown role", sc: Context{Identity: Identity{Role: "auditor", Branch: "North"}}, want: Empty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateFor(tt.sc))
		})
	}
}

func TestResolve_ManagerOwnedNumeric(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	sc := Context{Identity: Identity{Role: RoleManager, UserID: "9"}, OwnedHotelIDs: []string{"3", "7"}}

	d := r.Resolve(context.Background(), sc, target("rooms"))
	frag := d.Predicate.Render(1)

	assert.Equal(t, OwnedSet, d.State)
	assert.Equal(t, "hotel_id = ANY($1::int[])", frag.SQL)
	assert.Equal(t, []any{pq.Int64Array{3, 7}}, frag.Params)
	assert.False(t, d.ShortCircuit())
}

func TestResolve_ManagerOwnedText(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	sc := Context{Identity: Identity{Role: RoleManager}, OwnedHotelIDs: []string{"3", "7"}}

	frag := r.Resolve(context.Background(), sc, target("tickets")).Predicate.Render(1)

	assert.Equal(t, "hotel_ref::text = ANY($1::text[])", frag.SQL)
	assert.Equal(t, []any{pq.StringArray{"3", "7"}}, frag.Params)
}

func TestResolve_ManagerBranch(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	sc := Context{Identity: Identity{Role: RoleManager, Branch: "North"}}

	d := r.Resolve(context.Background(), sc, target("rooms"))
	frag := d.Predicate.Render(1)

	assert.Equal(t, BranchScoped, d.State)
	assert.Equal(t, "branch = $1", frag.SQL)
	assert.Equal(t, []any{"North"}, frag.Params)
}

func TestResolve_ManagerEmpty(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	sc := Context{Identity: Identity{Role: RoleManager}}

	d := r.Resolve(context.Background(), sc, target("rooms"))
	frag := d.Predicate.Render(1)

	assert.Equal(t, Empty, d.State)
	assert.Equal(t, "FALSE", frag.SQL)
	assert.Empty(t, frag.Params)
	assert.True(t, d.ShortCircuit())
}

func TestResolve_AdminUnrestricted(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	d := r.Resolve(context.Background(), Context{Identity: Identity{Role: RoleAdmin}}, target("rooms"))

	assert.Equal(t, Unrestricted, d.State)
	assert.True(t, d.Predicate.IsEmpty())
	assert.False(t, d.ShortCircuit())
}

func TestResolve_FailClosedOnMissingColumns(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	ctx := context.Background()

	owned := r.Resolve(ctx, Context{Identity: Identity{Role: RoleManager}, OwnedHotelIDs: []string{"1"}}, target("notes"))
	assert.Equal(t, OwnedSet, owned.State)
	assert.True(t, owned.ShortCircuit())

	branch := r.Resolve(ctx, Context{Identity: Identity{Role: RoleStaff, Branch: "North"}}, target("notes"))
	assert.Equal(t, BranchScoped, branch.State)
	assert.True(t, branch.ShortCircuit())

	nonNumeric := r.Resolve(ctx, Context{Identity: Identity{Role: RoleManager}, OwnedHotelIDs: []string{"abc"}}, target("rooms"))
	assert.True(t, nonNumeric.ShortCircuit())
}

func TestResolve_UnsafeTarget(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	sc := Context{Identity: Identity{Role: RoleStaff, Branch: "North"}}

	bad := target("rooms")
	bad.Alias = "r; drop"
	assert.True(t, r.Resolve(context.Background(), sc, bad).ShortCircuit())

	bad = target("rooms x")
	assert.True(t, r.Resolve(context.Background(), sc, bad).ShortCircuit())
}

func TestResolve_Alias(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{})
	tgt := target("tickets")
	tgt.Alias = "t"

	frag := r.Resolve(context.Background(), Context{Identity: Identity{Role: RoleStaff, Branch: "North"}}, tgt).Predicate.Render(1)
	assert.Equal(t, "t.branch_name = $1", frag.SQL)
}

func TestResolve_ManagerBranchUnion(t *testing.T) {
	sc := Context{Identity: Identity{Role: RoleManager, Branch: "North"}, OwnedHotelIDs: []string{"3"}}

	off := NewResolver(testSchema, ResolverConfig{})
	assert.Equal(t, "hotel_id = ANY($1::int[])", off.Resolve(context.Background(), sc, target("rooms")).Predicate.String())

	on := NewResolver(testSchema, ResolverConfig{ManagerBranchUnion: true})
	d := on.Resolve(context.Background(), sc, target("rooms"))
	frag := d.Predicate.Render(1)
	assert.Equal(t, OwnedSet, d.State)
	assert.Equal(t, "(hotel_id = ANY($1::int[]) OR branch = $2)", frag.SQL)
	assert.Equal(t, []any{pq.Int64Array{3}, "North"}, frag.Params)
}

func TestResolve_Deterministic(t *testing.T) {
	r := NewResolver(testSchema, ResolverConfig{ManagerBranchUnion: true})
	contexts := []Context{
		{Identity: Identity{Role: RoleAdmin}},
		{Identity: Identity{Role: RoleManager, Branch: "North"}, OwnedHotelIDs: []string{"3", "7"}},
		{Identity: Identity{Role: RoleManager, Branch: "North"}},
		{Identity: Identity{Role: RoleStaff}},
	}
	for _, sc := range contexts {
		first := r.Resolve(context.Background(), sc, target("rooms"))
		for i := 0; i < 5; i++ {
			again := r.Resolve(context.Background(), sc, target("rooms"))
			require.Equal(t, first.State, again.State)
			require.Equal(t, first.Predicate.Render(1), again.Predicate.Render(1))
		}
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Manager ")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, role)

	_, err = ParseRole("owner")
	assert.Error(t, err)
}
