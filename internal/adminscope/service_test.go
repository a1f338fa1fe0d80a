package adminscope

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"adminscope/internal/dbexec"
	"adminscope/internal/planner"
	"adminscope/internal/schemaprobe"
	"adminscope/internal/scope"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu         sync.Mutex
	columns    map[string]map[string]string
	tableErr   error
	tableHits  int
	columnHits int
}

func (f *fakeCatalog) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	_, ok, err := f.ColumnType(ctx, table, column)
	return ok, err
}

func (f *fakeCatalog) ColumnType(_ context.Context, table, column string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columnHits++
	dataType, ok := f.columns[table][column]
	return dataType, ok, nil
}

func (f *fakeCatalog) TableExists(_ context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableHits++
	if f.tableErr != nil {
		return false, f.tableErr
	}
	_, ok := f.columns[table]
	return ok, nil
}

type stubOwnership struct {
	ids []string
	err error
}

func (s stubOwnership) OwnedHotelIDs(context.Context, string) ([]string, error) {
	return s.ids, s.err
}

func hotelSchema() map[string]map[string]string {
	return map[string]map[string]string{
		"tickets": {
			"id":          "integer",
			"hotel_id":    "integer",
			"branch":      "character varying",
			"created_at":  "timestamp with time zone",
			"status":      "character varying",
			"user_id":     "bigint",
			"title":       "text",
			"description": "text",
		},
		"rooms": {
			"id":        "integer",
			"hotel_ref": "character varying",
			"branch":    "text",
		},
	}
}

func newTestService(t *testing.T, cat *fakeCatalog, own scope.OwnershipLookup) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewWithDeps(Deps{
		Catalog:   cat,
		Executor:  dbexec.NewStandardExecutor(db),
		Ownership: own,
	}, Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	return svc, mock
}

func ticketsTable() Table {
	return Table{
		Name:    "tickets",
		Filters: DefaultFilterAttributes(),
		Search:  []string{"title", "description", "notes"},
	}
}

func managerContext(t *testing.T, svc *Service, branch string) scope.Context {
	t.Helper()
	sc, err := svc.NewContext(context.Background(), scope.Identity{Role: scope.RoleManager, UserID: "42", Branch: branch})
	require.NoError(t, err)
	return sc
}

func TestList_OwnedHotels(t *testing.T) {
	svc, mock := newTestService(t, &fakeCatalog{columns: hotelSchema()}, stubOwnership{ids: []string{"3", "7"}})
	sc := managerContext(t, svc, "")

	mock.ExpectQuery("SELECT * FROM tickets WHERE hotel_id = ANY($1::int[]) AND status = $2 AND (title::text ILIKE $3 OR description::text ILIKE $4) LIMIT $5 OFFSET $6").
		WithArgs(pq.Int64Array{3, 7}, "open", "%leak%", "%leak%", planner.DefaultListLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(9), "open"))

	res, err := svc.List(context.Background(), sc, ticketsTable(), planner.Filters{Status: "open", Search: "leak"}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, scope.OwnedSet, res.State)
	assert.False(t, res.ShortCircuit)
	assert.False(t, res.TableMissing)
	assert.Equal(t, []map[string]any{{"id": int64(9), "status": "open"}}, res.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_BranchScopedWithTotal(t *testing.T) {
	svc, mock := newTestService(t, &fakeCatalog{columns: hotelSchema()}, stubOwnership{})
	sc := managerContext(t, svc, "North")

	mock.ExpectQuery("SELECT id, status FROM tickets WHERE branch = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3").
		WithArgs("North", 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(1), "open"))
	mock.ExpectQuery("SELECT COUNT(*) FROM tickets WHERE branch = $1").
		WithArgs("North").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(21)))

	res, err := svc.List(context.Background(), sc, ticketsTable(),
		planner.Filters{Limit: 10, Offset: 20},
		ListOptions{Columns: []string{"id", "status"}, OrderBy: "created_at", Descending: true, WithTotal: true})
	require.NoError(t, err)
	assert.Equal(t, scope.BranchScoped, res.State)
	assert.Equal(t, int64(21), res.Total)
	assert.Len(t, res.Rows, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_EmptyScopeShortCircuits(t *testing.T) {
	cat := &fakeCatalog{columns: hotelSchema()}
	svc, mock := newTestService(t, cat, stubOwnership{})
	sc := managerContext(t, svc, "")

	res, err := svc.List(context.Background(), sc, ticketsTable(), planner.Filters{Status: "open"}, ListOptions{WithTotal: true})
	require.NoError(t, err)
	assert.Equal(t, scope.Empty, res.State)
	assert.True(t, res.ShortCircuit)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
	require.NoError(t, mock.ExpectationsWereMet(), "no query may run")
	assert.Zero(t, cat.tableHits, "no catalog lookup for a caller who can see nothing")
	assert.Zero(t, cat.columnHits, "no catalog lookup for a caller who can see nothing")
}

func TestList_EmptyScopeOnMissingTable(t *testing.T) {
	cat := &fakeCatalog{columns: hotelSchema()}
	svc, mock := newTestService(t, cat, nil)
	guest := scope.Context{Identity: scope.Identity{Role: "guest"}}

	res, err := svc.List(context.Background(), guest, Table{Name: "maintenance"}, planner.Filters{}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, scope.Empty, res.State)
	assert.True(t, res.ShortCircuit)
	assert.False(t, res.TableMissing)
	assert.Zero(t, cat.tableHits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_MissingHotelColumnShortCircuits(t *testing.T) {
	schema := hotelSchema()
	delete(schema["tickets"], "hotel_id")
	svc, mock := newTestService(t, &fakeCatalog{columns: schema}, stubOwnership{ids: []string{"3"}})
	sc := managerContext(t, svc, "")

	res, err := svc.List(context.Background(), sc, ticketsTable(), planner.Filters{}, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, scope.OwnedSet, res.State)
	assert.True(t, res.ShortCircuit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_TableMissingFromCatalog(t *testing.T) {
	cat := &fakeCatalog{columns: hotelSchema()}
	svc, mock := newTestService(t, cat, nil)
	admin := scope.Context{Identity: scope.Identity{Role: scope.RoleAdmin}}

	for range 2 {
		res, err := svc.List(context.Background(), admin, Table{Name: "maintenance"}, planner.Filters{}, ListOptions{})
		require.NoError(t, err)
		assert.True(t, res.TableMissing)
		assert.Empty(t, res.Rows)
	}
	assert.Equal(t, 1, cat.tableHits, "table existence is cached")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_UndefinedRelationBackstop(t *testing.T) {
	cat := &fakeCatalog{columns: hotelSchema(), tableErr: errors.New("catalog unavailable")}
	svc, mock := newTestService(t, cat, nil)
	admin := scope.Context{Identity: scope.Identity{Role: scope.RoleAdmin}}

	mock.ExpectQuery("SELECT * FROM compliance LIMIT $1 OFFSET $2").
		WithArgs(planner.DefaultListLimit, 0).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "compliance" does not exist`})

	res, err := svc.List(context.Background(), admin, Table{Name: "compliance"}, planner.Filters{}, ListOptions{WithTotal: true})
	require.NoError(t, err)
	assert.True(t, res.TableMissing)
	assert.Equal(t, scope.Unrestricted, res.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_FatalErrorPropagates(t *testing.T) {
	svc, mock := newTestService(t, &fakeCatalog{columns: hotelSchema()}, nil)
	admin := scope.Context{Identity: scope.Identity{Role: scope.RoleAdmin}}
	driverErr := &pq.Error{Code: "57014", Message: "canceling statement due to statement timeout"}

	mock.ExpectQuery("SELECT * FROM tickets LIMIT $1 OFFSET $2").
		WithArgs(planner.DefaultListLimit, 0).
		WillReturnError(driverErr)

	_, err := svc.List(context.Background(), admin, ticketsTable(), planner.Filters{}, ListOptions{})
	require.Error(t, err)
	var fatal *dbexec.FatalError
	assert.True(t, errors.As(err, &fatal))
	assert.True(t, errors.Is(err, driverErr))
}

func TestList_UnresolvedFilterColumn(t *testing.T) {
	svc, mock := newTestService(t, &fakeCatalog{columns: hotelSchema()}, nil)
	admin := scope.Context{Identity: scope.Identity{Role: scope.RoleAdmin}}

	_, err := svc.List(context.Background(), admin, Table{Name: "rooms", Filters: DefaultFilterAttributes()},
		planner.Filters{Category: "suite"}, ListOptions{})
	assert.True(t, errors.Is(err, planner.ErrUnresolvedFilterColumn))

	_, err = svc.List(context.Background(), admin, Table{Name: "rooms;"}, planner.Filters{}, ListOptions{})
	assert.True(t, errors.Is(err, planner.ErrUnsafeIdentifier))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewContext_OwnershipFailure(t *testing.T) {
	svc, _ := newTestService(t, &fakeCatalog{columns: hotelSchema()},
		stubOwnership{err: errors.New("connection reset")})

	_, err := svc.NewContext(context.Background(), scope.Identity{Role: scope.RoleManager, UserID: "42", Branch: "North"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scope.ErrOwnershipLookup))

	sc, err := svc.NewContext(context.Background(), scope.Identity{Role: scope.RoleStaff, Branch: "North"})
	require.NoError(t, err)
	assert.Equal(t, scope.BranchScoped, scope.StateFor(sc))
}

func TestResolveScope(t *testing.T) {
	svc, _ := newTestService(t, &fakeCatalog{columns: hotelSchema()}, nil)

	staff := scope.Context{Identity: scope.Identity{Role: scope.RoleStaff, Branch: "North"}}
	d, err := svc.ResolveScope(context.Background(), staff, Table{Name: "rooms", Alias: "r"})
	require.NoError(t, err)
	assert.Equal(t, scope.BranchScoped, d.State)
	frag := d.Predicate.Render(1)
	assert.Equal(t, "r.branch = $1", frag.SQL)
	assert.Equal(t, []any{"North"}, frag.Params)

	_, err = svc.ResolveScope(context.Background(), staff, Table{Name: "rooms", Hotel: "no_such_attribute"})
	assert.True(t, errors.Is(err, ErrUnknownAttribute))
}

func TestResolveColumnAndBuildMembership(t *testing.T) {
	svc, _ := newTestService(t, &fakeCatalog{columns: hotelSchema()}, nil)
	ctx := context.Background()

	name, ok := svc.ResolveColumn(ctx, "rooms", []string{"hotel_id", "hotelId", "hotel_ref"})
	require.True(t, ok)
	assert.Equal(t, "hotel_ref", name)

	_, ok = svc.ResolveColumn(ctx, "rooms", []string{"manager_id", "managerId"})
	assert.False(t, ok)

	col := svc.Probe().ResolveAttribute(ctx, "rooms", schemaprobe.Attribute{Name: "hotel_ref", Candidates: []string{"hotel_ref"}})
	frag := svc.BuildMembership(col, []string{"3", "7"}, 1)
	assert.Equal(t, "hotel_ref::text = ANY($1::text[])", frag.SQL)
	assert.Equal(t, []any{pq.StringArray{"3", "7"}}, frag.Params)

	hotel, err := svc.ResolveAttribute(ctx, "tickets", schemaprobe.HotelRef)
	require.NoError(t, err)
	frag = svc.BuildMembership(hotel, []string{"3", "x", "7"}, 4)
	assert.Equal(t, "hotel_id = ANY($4::int[])", frag.SQL)
	assert.Equal(t, []any{pq.Int64Array{3, 7}}, frag.Params)
	assert.Equal(t, 5, frag.NextParamIndex)

	missing := svc.Probe().ResolveAttribute(ctx, "rooms", schemaprobe.Attribute{Name: "x", Candidates: []string{"x"}})
	frag = svc.BuildMembership(missing, []string{"3"}, 1)
	assert.Equal(t, "FALSE", frag.SQL)
	assert.Empty(t, frag.Params)

	_, err = svc.ResolveAttribute(ctx, "rooms", "nope")
	assert.True(t, errors.Is(err, ErrUnknownAttribute))
}

func TestAssemble_UsesResolvedFilterColumns(t *testing.T) {
	schema := hotelSchema()
	schema["attendance"] = map[string]string{
		"hotelId":   "integer",
		"createdAt": "date",
		"state":     "text",
		"userId":    "text",
	}
	svc, _ := newTestService(t, &fakeCatalog{columns: schema}, nil)
	sc := scope.Context{
		Identity:      scope.Identity{Role: scope.RoleManager, UserID: "42"},
		OwnedHotelIDs: []string{"5"},
	}

	plan, decision, err := svc.Assemble(context.Background(), sc, Table{Name: "attendance", Filters: DefaultFilterAttributes()},
		planner.Filters{Status: "present", TargetID: "17"})
	require.NoError(t, err)
	assert.Equal(t, scope.OwnedSet, decision.State)
	where := plan.Where()
	assert.Equal(t, `"hotelId" = ANY($1::int[]) AND state = $2 AND "userId" = $3`, where.SQL)
	assert.Equal(t, []any{pq.Int64Array{5}, "present", "17"}, where.Params)
}
