package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Query outcomes recorded by ExecutorMetrics.
const (
	OutcomeOK           = "ok"
	OutcomeTableMissing = "table_missing"
	OutcomeError        = "error"
	OutcomeShortCircuit = "short_circuit"
)

// ExecutorMetrics holds metrics for scoped list queries.
type ExecutorMetrics struct {
	queryDuration metric.Float64Histogram
	queryCounter  metric.Int64Counter
	rowsReturned  metric.Int64Histogram
	activeQueries metric.Int64UpDownCounter
}

// InitExecutorMetrics creates the executor metric family.
func InitExecutorMetrics() (*ExecutorMetrics, error) {
	meter := otel.Meter(meterName)

	queryDuration, err := meter.Float64Histogram(
		"adminscope.query.duration",
		metric.WithDescription("Duration of scoped list queries in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	queryCounter, err := meter.Int64Counter(
		"adminscope.queries.total",
		metric.WithDescription("Total number of scoped list queries by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query counter: %w", err)
	}

	rowsReturned, err := meter.Int64Histogram(
		"adminscope.query.rows",
		metric.WithDescription("Number of rows returned by scoped list queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows histogram: %w", err)
	}

	activeQueries, err := meter.Int64UpDownCounter(
		"adminscope.queries.active",
		metric.WithDescription("Number of scoped list queries in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries counter: %w", err)
	}

	return &ExecutorMetrics{
		queryDuration: queryDuration,
		queryCounter:  queryCounter,
		rowsReturned:  rowsReturned,
		activeQueries: activeQueries,
	}, nil
}

// RecordQuery records one query with its duration and outcome.
func (m *ExecutorMetrics) RecordQuery(ctx context.Context, duration time.Duration, outcome string, rows int) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.queryDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.queryCounter.Add(ctx, 1, attrs)
	if outcome == OutcomeOK {
		m.rowsReturned.Record(ctx, int64(rows))
	}
}

// RecordShortCircuit counts a query answered without touching the database.
func (m *ExecutorMetrics) RecordShortCircuit(ctx context.Context) {
	m.queryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", OutcomeShortCircuit)))
}

// IncrementActive marks a query as started.
func (m *ExecutorMetrics) IncrementActive(ctx context.Context) {
	m.activeQueries.Add(ctx, 1)
}

// DecrementActive marks a query as finished.
func (m *ExecutorMetrics) DecrementActive(ctx context.Context) {
	m.activeQueries.Add(ctx, -1)
}

// SchemaProbeMetrics holds metrics for column resolution.
type SchemaProbeMetrics struct {
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	catalogErrors metric.Int64Counter
	unresolved    metric.Int64Counter
}

// InitSchemaProbeMetrics creates the schema probe metric family.
func InitSchemaProbeMetrics() (*SchemaProbeMetrics, error) {
	meter := otel.Meter(meterName)

	cacheHits, err := meter.Int64Counter(
		"adminscope.probe.cache_hits",
		metric.WithDescription("Number of metadata cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"adminscope.probe.cache_misses",
		metric.WithDescription("Number of metadata cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe cache misses counter: %w", err)
	}

	catalogErrors, err := meter.Int64Counter(
		"adminscope.probe.catalog_errors",
		metric.WithDescription("Number of failed catalog lookups"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe catalog errors counter: %w", err)
	}

	unresolved, err := meter.Int64Counter(
		"adminscope.probe.unresolved",
		metric.WithDescription("Number of candidate lists that matched no column"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe unresolved counter: %w", err)
	}

	return &SchemaProbeMetrics{
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
		catalogErrors: catalogErrors,
		unresolved:    unresolved,
	}, nil
}

func (m *SchemaProbeMetrics) RecordCacheHit(ctx context.Context, kind string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *SchemaProbeMetrics) RecordCacheMiss(ctx context.Context, kind string) {
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *SchemaProbeMetrics) RecordCatalogError(ctx context.Context, operation string) {
	m.catalogErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordUnresolved counts an exhausted candidate list for a logical attribute.
func (m *SchemaProbeMetrics) RecordUnresolved(ctx context.Context, logicalAttribute string) {
	m.unresolved.Add(ctx, 1, metric.WithAttributes(attribute.String("logical_attribute", logicalAttribute)))
}

// Metrics bundles every metric family the service records into.
type Metrics struct {
	Executor *ExecutorMetrics
	Probe    *SchemaProbeMetrics
	Scope    *ScopeMetrics
	Drift    *DriftMetrics
}

// InitMetrics initializes all metric families against the global meter provider.
func InitMetrics(logger *slog.Logger) (*Metrics, error) {
	executor, err := InitExecutorMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize executor metrics: %w", err)
	}
	probe, err := InitSchemaProbeMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema probe metrics: %w", err)
	}
	scope, err := InitScopeMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scope metrics: %w", err)
	}
	drift, err := InitDriftMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize drift metrics: %w", err)
	}

	logger.Info("custom metrics initialized")
	return &Metrics{Executor: executor, Probe: probe, Scope: scope, Drift: drift}, nil
}
