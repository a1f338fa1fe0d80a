// Package scope decides which rows a caller may see on a table.
//
// Every request is classified exactly once into a State, evaluated in a
// fixed order:
//
//	admin                               -> Unrestricted
//	manager with owned hotels           -> OwnedSet
//	manager or staff with a branch      -> BranchScoped
//	anything else                       -> Empty
//
// The State then becomes a predicate against the target table's resolved
// columns. Any resolution failure yields FALSE; scope never widens on error.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"adminscope/internal/observability"
	"adminscope/internal/predicate"
	"adminscope/internal/schemaprobe"
	"adminscope/internal/sqltype"
	"adminscope/internal/sqlutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Role is the caller's administrative role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
)

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleManager:
		return RoleManager, nil
	case RoleStaff:
		return RoleStaff, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the authenticated caller.
type Identity struct {
	Role   Role
	UserID string
	Branch string
}

// Context is the per-request input to scope resolution. It is built for
// one request and never cached.
type Context struct {
	Identity
	OwnedHotelIDs []string
}

// State is the authorization state of a request.
type State int

const (
	Empty State = iota
	Unrestricted
	OwnedSet
	BranchScoped
)

func (s State) String() string {
	switch s {
	case Unrestricted:
		return "unrestricted"
	case OwnedSet:
		return "owned_set"
	case BranchScoped:
		return "branch_scoped"
	default:
		return "empty"
	}
}

// StateFor classifies sc. It is a pure function of its input.
func StateFor(sc Context) State {
	switch {
	case sc.Role == RoleAdmin:
		return Unrestricted
	case sc.Role == RoleManager && len(sc.OwnedHotelIDs) > 0:
		return OwnedSet
	case (sc.Role == RoleManager || sc.Role == RoleStaff) && strings.TrimSpace(sc.Branch) != "":
		return BranchScoped
	default:
		return Empty
	}
}

// Target is the table being scoped and the logical attributes that carry
// its hotel and branch references.
type Target struct {
	Table  string
	Alias  string
	Hotel  schemaprobe.Attribute
	Branch schemaprobe.Attribute
}

// Decision is the outcome of scope resolution for one target.
type Decision struct {
	State     State
	Predicate predicate.Predicate
}

// ShortCircuit reports whether the caller can see nothing on the target,
// in which case the route returns an empty result without querying.
func (d Decision) ShortCircuit() bool {
	return d.Predicate.IsFalse()
}

// ColumnResolver resolves logical attributes on a table.
type ColumnResolver interface {
	ResolveAttribute(ctx context.Context, table string, attr schemaprobe.Attribute) schemaprobe.ResolvedColumn
}

// ResolverConfig controls Resolver behavior.
type ResolverConfig struct {
	Logger  *slog.Logger
	Metrics *observability.ScopeMetrics
	// ManagerBranchUnion widens OwnedSet to owned hotels OR the manager's branch.
	ManagerBranchUnion bool
}

// Resolver turns a scope Context into a predicate for a Target.
type Resolver struct {
	columns     ColumnResolver
	logger      *slog.Logger
	metrics     *observability.ScopeMetrics
	branchUnion bool
}

// NewResolver creates a scope resolver over columns.
func NewResolver(columns ColumnResolver, cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		columns:     columns,
		logger:      logger,
		metrics:     cfg.Metrics,
		branchUnion: cfg.ManagerBranchUnion,
	}
}

// Resolve decides the scope predicate for sc on target.
func (r *Resolver) Resolve(ctx context.Context, sc Context, target Target) Decision {
	state := StateFor(sc)
	ctx, span := startSpan(ctx, "scope.resolve",
		attribute.String("db.table", target.Table),
		attribute.String("scope.role", string(sc.Role)),
		attribute.String("scope.state", state.String()),
	)
	defer span.End()

	if r.metrics != nil {
		r.metrics.RecordDecision(ctx, string(sc.Role), state.String())
	}

	decision := Decision{State: state, Predicate: r.predicateFor(ctx, state, sc, target)}
	span.SetAttributes(attribute.Bool("scope.short_circuit", decision.ShortCircuit()))
	return decision
}

func (r *Resolver) predicateFor(ctx context.Context, state State, sc Context, target Target) predicate.Predicate {
	switch state {
	case Unrestricted:
		return predicate.Empty()
	case Empty:
		r.logger.Debug("caller has no scope", slog.String("table", target.Table))
		return predicate.False()
	}

	if !sqlutil.IsSafeIdentifier(target.Table) || (target.Alias != "" && !sqlutil.IsSafeIdentifier(target.Alias)) {
		r.logger.Warn("refusing to scope unsafe target", slog.String("role", string(sc.Role)))
		return predicate.False()
	}

	switch state {
	case OwnedSet:
		owned := r.ownedSet(ctx, sc, target)
		if r.branchUnion && strings.TrimSpace(sc.Branch) != "" {
			return predicate.Or(owned, r.branch(ctx, sc, target))
		}
		return owned
	case BranchScoped:
		return r.branch(ctx, sc, target)
	}
	return predicate.False()
}

func (r *Resolver) ownedSet(ctx context.Context, sc Context, target Target) predicate.Predicate {
	col := r.columns.ResolveAttribute(ctx, target.Table, target.Hotel)
	if !col.Found {
		r.logger.Info("hotel reference not resolvable, denying",
			slog.String("table", target.Table),
			slog.String("logical_attribute", target.Hotel.Name),
			slog.String("candidates", strings.Join(target.Hotel.Candidates, ",")),
		)
		return predicate.False()
	}
	if col.Class == sqltype.Numeric && r.metrics != nil {
		_, dropped := predicate.ParseIntIDs(sc.OwnedHotelIDs)
		r.metrics.RecordDroppedIDs(ctx, dropped)
	}
	return predicate.Membership(predicate.Column{Alias: target.Alias, Name: col.ActualName}, col.Class, sc.OwnedHotelIDs)
}

func (r *Resolver) branch(ctx context.Context, sc Context, target Target) predicate.Predicate {
	col := r.columns.ResolveAttribute(ctx, target.Table, target.Branch)
	if !col.Found {
		r.logger.Info("branch reference not resolvable, denying",
			slog.String("table", target.Table),
			slog.String("logical_attribute", target.Branch.Name),
			slog.String("candidates", strings.Join(target.Branch.Candidates, ",")),
		)
		return predicate.False()
	}
	return predicate.Equality(predicate.Column{Alias: target.Alias, Name: col.ActualName}, col.Class, strings.TrimSpace(sc.Branch))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("adminscope/scope").Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
