package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"adminscope/internal/dbexec"
	"adminscope/internal/observability"
	"adminscope/internal/predicate"
	"adminscope/internal/schemaprobe"
	"adminscope/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrOwnershipLookup reports that a manager's owned hotels could not be
// read. Callers must fail the request; an empty set would change the
// caller's scope state.
var ErrOwnershipLookup = errors.New("scope: owned hotel lookup failed")

// OwnershipLookup returns the ids of the hotels a manager owns.
type OwnershipLookup interface {
	OwnedHotelIDs(ctx context.Context, userID string) ([]string, error)
}

// Queryer provides query access for the ownership lookup.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLOwnershipLookupConfig configures SQLOwnershipLookup.
type SQLOwnershipLookupConfig struct {
	HotelsTable string
	IDColumn    string
	Manager     schemaprobe.Attribute
	Logger      *slog.Logger
	Metrics     *observability.ScopeMetrics
}

// SQLOwnershipLookup reads owned hotels from the hotels table through
// whichever manager reference column the deployment has.
type SQLOwnershipLookup struct {
	db      Queryer
	columns ColumnResolver
	table   string
	idCol   string
	manager schemaprobe.Attribute
	logger  *slog.Logger
	metrics *observability.ScopeMetrics
}

// NewSQLOwnershipLookup creates a lookup. HotelsTable defaults to "hotels"
// and IDColumn to "id".
func NewSQLOwnershipLookup(db Queryer, columns ColumnResolver, cfg SQLOwnershipLookupConfig) *SQLOwnershipLookup {
	if cfg.HotelsTable == "" {
		cfg.HotelsTable = "hotels"
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SQLOwnershipLookup{
		db:      db,
		columns: columns,
		table:   cfg.HotelsTable,
		idCol:   cfg.IDColumn,
		manager: cfg.Manager,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// OwnedHotelIDs returns the hotel ids whose manager reference equals userID.
// An unresolvable manager column yields an empty set; a query failure
// yields an error wrapping ErrOwnershipLookup.
func (l *SQLOwnershipLookup) OwnedHotelIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, span := startSpan(ctx, "scope.owned_hotels", attribute.String("db.table", l.table))
	defer span.End()

	table, okTable := sqlutil.FormatIdentifier(l.table)
	idCol, okID := sqlutil.FormatIdentifier(l.idCol)
	if !okTable || !okID {
		return nil, l.fail(ctx, span, fmt.Errorf("unsafe hotels table or id column"))
	}

	col := l.columns.ResolveAttribute(ctx, l.table, l.manager)
	if !col.Found {
		l.logger.Info("manager reference not resolvable on hotels table, no owned hotels",
			slog.String("table", l.table),
			slog.String("logical_attribute", l.manager.Name),
		)
		return nil, nil
	}

	where := predicate.Equality(predicate.Column{Name: col.ActualName}, col.Class, userID)
	if where.IsFalse() {
		return nil, nil
	}

	query, args, err := sq.Select(idCol).
		From(table).
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, l.fail(ctx, span, err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, l.fail(ctx, span, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, l.fail(ctx, span, err)
		}
		if id.Valid {
			ids = append(ids, id.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, l.fail(ctx, span, err)
	}
	span.SetAttributes(attribute.Int("scope.owned_count", len(ids)))
	return ids, nil
}

func (l *SQLOwnershipLookup) fail(ctx context.Context, span trace.Span, err error) error {
	msg := dbexec.SafeErrorMessage(err)
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
	l.logger.Warn("owned hotel lookup failed",
		slog.String("table", l.table),
		slog.String("error", msg),
	)
	if l.metrics != nil {
		l.metrics.RecordOwnershipLookupError(ctx)
	}
	return fmt.Errorf("%w: %w", ErrOwnershipLookup, err)
}

// NewContext builds the scope context for one request. Managers get their
// owned hotels from lookup; a lookup error is returned, never swallowed.
func NewContext(ctx context.Context, id Identity, lookup OwnershipLookup) (Context, error) {
	sc := Context{Identity: id}
	if id.Role != RoleManager || lookup == nil {
		return sc, nil
	}
	owned, err := lookup.OwnedHotelIDs(ctx, id.UserID)
	if err != nil {
		if !errors.Is(err, ErrOwnershipLookup) {
			err = fmt.Errorf("%w: %w", ErrOwnershipLookup, err)
		}
		return Context{}, err
	}
	sc.OwnedHotelIDs = owned
	return sc, nil
}
