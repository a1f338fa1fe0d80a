// Package adminscope is the entry point route handlers use in place of
// writing SQL by hand. A Service resolves the caller's scope on a table,
// merges it with the caller's filters and runs the scoped query.
package adminscope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"adminscope/internal/catalog"
	"adminscope/internal/dbexec"
	"adminscope/internal/logging"
	"adminscope/internal/observability"
	"adminscope/internal/planner"
	"adminscope/internal/predicate"
	"adminscope/internal/schemaprobe"
	"adminscope/internal/scope"
	"adminscope/internal/sqlutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownAttribute reports a logical attribute name missing from the registry.
var ErrUnknownAttribute = errors.New("adminscope: unknown logical attribute")

// Config controls Service behavior.
type Config struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Registry *schemaprobe.Registry
	// Cache is shared by every probe built from this config. Nil gets a
	// fresh cache.
	Cache *schemaprobe.Cache
	// CatalogSchema restricts catalog lookups to one schema. Empty searches
	// the session's search path.
	CatalogSchema      string
	HotelsTable        string
	ManagerBranchUnion bool
}

// Deps are the collaborators a Service runs against.
type Deps struct {
	Catalog   catalog.Catalog
	Executor  dbexec.QueryExecutor
	Ownership scope.OwnershipLookup
}

// Service wires the schema probe, scope resolver, planner and executor.
type Service struct {
	registry  *schemaprobe.Registry
	probe     *schemaprobe.Probe
	resolver  *scope.Resolver
	ownership scope.OwnershipLookup
	exec      *dbexec.SafeExecutor
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New builds a Service over db. Catalog lookups, ownership lookups and
// scoped queries all run on the same pool.
func New(db *sql.DB, cfg Config) *Service {
	cfg = withDefaults(cfg)
	svc := NewWithDeps(Deps{
		Catalog:  catalog.NewPostgres(db, cfg.CatalogSchema),
		Executor: dbexec.NewStandardExecutor(db),
	}, cfg)
	svc.ownership = scope.NewSQLOwnershipLookup(db, svc.probe, scope.SQLOwnershipLookupConfig{
		HotelsTable: cfg.HotelsTable,
		Manager:     cfg.Registry.MustAttribute(schemaprobe.ManagerRef),
		Logger:      cfg.Logger,
		Metrics:     scopeMetrics(cfg.Metrics),
	})
	return svc
}

// NewWithDeps builds a Service over explicit collaborators.
func NewWithDeps(deps Deps, cfg Config) *Service {
	cfg = withDefaults(cfg)
	var probeMetrics *observability.SchemaProbeMetrics
	var execMetrics *observability.ExecutorMetrics
	if cfg.Metrics != nil {
		probeMetrics = cfg.Metrics.Probe
		execMetrics = cfg.Metrics.Executor
	}

	probe := schemaprobe.New(deps.Catalog, cfg.Cache, schemaprobe.Config{
		Logger:  cfg.Logger,
		Metrics: probeMetrics,
	})
	return &Service{
		registry: cfg.Registry,
		probe:    probe,
		resolver: scope.NewResolver(probe, scope.ResolverConfig{
			Logger:             cfg.Logger,
			Metrics:            scopeMetrics(cfg.Metrics),
			ManagerBranchUnion: cfg.ManagerBranchUnion,
		}),
		ownership: deps.Ownership,
		exec: dbexec.NewSafeExecutor(deps.Executor, dbexec.SafeExecutorConfig{
			Logger:  cfg.Logger,
			Metrics: execMetrics,
		}),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = schemaprobe.DefaultRegistry()
	}
	if cfg.Cache == nil {
		cfg.Cache = schemaprobe.NewCache()
	}
	return cfg
}

func scopeMetrics(m *observability.Metrics) *observability.ScopeMetrics {
	if m == nil {
		return nil
	}
	return m.Scope
}

// Probe exposes the schema probe backing the service.
func (s *Service) Probe() *schemaprobe.Probe {
	return s.probe
}

// NewContext builds the per-request scope context for id, looking up a
// manager's owned hotels. The error wraps scope.ErrOwnershipLookup.
func (s *Service) NewContext(ctx context.Context, id scope.Identity) (scope.Context, error) {
	return scope.NewContext(ctx, id, s.ownership)
}

// ResolveColumn returns the first of candidates that exists on table.
func (s *Service) ResolveColumn(ctx context.Context, table string, candidates []string) (string, bool) {
	return s.probe.Resolve(ctx, table, candidates)
}

// ResolveAttribute resolves a registered logical attribute on table.
func (s *Service) ResolveAttribute(ctx context.Context, table, logical string) (schemaprobe.ResolvedColumn, error) {
	attr, ok := s.registry.Attribute(logical)
	if !ok {
		return schemaprobe.ResolvedColumn{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, logical)
	}
	return s.probe.ResolveAttribute(ctx, table, attr), nil
}

// BuildMembership renders a membership test of ids against a resolved
// column, numbered from start. An unresolved column renders FALSE.
func (s *Service) BuildMembership(col schemaprobe.ResolvedColumn, ids []string, start int) predicate.Fragment {
	if !col.Found {
		return predicate.False().Render(start)
	}
	return predicate.BuildMembership(predicate.Column{Name: col.ActualName}, col.Class, ids, start)
}

// ResolveScope decides the authorization predicate for sc on table.
func (s *Service) ResolveScope(ctx context.Context, sc scope.Context, table Table) (scope.Decision, error) {
	target, err := s.target(table)
	if err != nil {
		return scope.Decision{State: scope.StateFor(sc), Predicate: predicate.False()}, err
	}
	return s.resolver.Resolve(ctx, sc, target), nil
}

// Assemble resolves the scope and filter columns for table and builds the plan.
func (s *Service) Assemble(ctx context.Context, sc scope.Context, table Table, f planner.Filters) (*planner.Plan, scope.Decision, error) {
	decision, err := s.ResolveScope(ctx, sc, table)
	if err != nil {
		return nil, decision, err
	}
	cols, err := s.filterColumns(ctx, table)
	if err != nil {
		return nil, decision, err
	}
	plan, err := planner.Assemble(decision.Predicate, cols, f)
	if err != nil {
		return nil, decision, err
	}
	return plan, decision, nil
}

func (s *Service) shortCircuit(ctx context.Context, span trace.Span) {
	span.SetAttributes(attribute.Bool("scope.short_circuit", true))
	if s.metrics != nil && s.metrics.Executor != nil {
		s.metrics.Executor.RecordShortCircuit(ctx)
	}
}

// ListResult is the outcome of a scoped list query.
type ListResult struct {
	QueryID string
	State   scope.State
	Rows    []map[string]any
	// Total is the unpaginated row count, set when counting was requested.
	Total        int64
	TableMissing bool
	ShortCircuit bool
}

// ListOptions shape the rows a scoped list returns.
type ListOptions struct {
	Columns    []string
	OrderBy    string
	Descending bool
	WithTotal  bool
}

// List runs a scoped, filtered and paginated query on table. A caller who
// can see nothing gets an empty result without a database round-trip, as
// does a table the catalog reports as absent.
func (s *Service) List(ctx context.Context, sc scope.Context, table Table, f planner.Filters, opts ListOptions) (ListResult, error) {
	ctx, span := otel.Tracer("adminscope/service").Start(ctx, "adminscope.list",
		trace.WithAttributes(attribute.String("db.table", table.Name)))
	defer span.End()

	empty := ListResult{Rows: []map[string]any{}}
	logger := logging.FromContextOr(ctx, s.logger)

	if !sqlutil.IsSafeIdentifier(table.Name) {
		err := fmt.Errorf("%w: table", planner.ErrUnsafeIdentifier)
		recordSpanError(span, err)
		return empty, err
	}
	if scope.StateFor(sc) == scope.Empty {
		decision, err := s.ResolveScope(ctx, sc, table)
		empty.State = decision.State
		if err != nil {
			recordSpanError(span, err)
			return empty, err
		}
		s.shortCircuit(ctx, span)
		empty.ShortCircuit = true
		return empty, nil
	}
	exists, err := s.probe.TableExists(ctx, table.Name)
	switch {
	case err != nil:
		logger.Warn("table lookup failed, querying anyway",
			slog.String("table", table.Name),
			slog.String("error", dbexec.SafeErrorMessage(err)),
		)
	case !exists:
		logger.Info("table does not exist, returning empty result", slog.String("table", table.Name))
		span.SetAttributes(attribute.Bool("db.table_missing", true))
		empty.TableMissing = true
		return empty, nil
	}

	plan, decision, err := s.Assemble(ctx, sc, table, f)
	empty.State = decision.State
	if err != nil {
		recordSpanError(span, err)
		return empty, err
	}
	if plan.ShortCircuit() {
		s.shortCircuit(ctx, span)
		empty.ShortCircuit = true
		return empty, nil
	}

	src := planner.Source{
		Table:      table.Name,
		Columns:    opts.Columns,
		OrderBy:    opts.OrderBy,
		Descending: opts.Descending,
	}
	q, err := plan.Select(src)
	if err != nil {
		recordSpanError(span, err)
		return empty, err
	}
	res, err := s.exec.Run(ctx, q.SQL, q.Args)
	if err != nil {
		recordSpanError(span, err)
		return empty, err
	}
	out := ListResult{
		QueryID:      res.QueryID,
		State:        decision.State,
		Rows:         res.Rows,
		TableMissing: res.TableMissing,
	}
	if !opts.WithTotal || res.TableMissing {
		return out, nil
	}

	cq, err := plan.Count(src)
	if err != nil {
		recordSpanError(span, err)
		return empty, err
	}
	total, missing, err := s.exec.Count(ctx, cq.SQL, cq.Args)
	if err != nil {
		recordSpanError(span, err)
		return empty, err
	}
	out.Total = total
	out.TableMissing = missing
	return out, nil
}

func recordSpanError(span trace.Span, err error) {
	msg := dbexec.SafeErrorMessage(err)
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}
