// Package schemaprobe resolves logical attributes to the physical columns
// that back them on a running database and classifies their types.
// Answers are memoized in an explicitly constructed Cache.
package schemaprobe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"adminscope/internal/catalog"
	"adminscope/internal/observability"
	"adminscope/internal/sqltype"
	"adminscope/internal/sqlutil"
)

// ErrNotFound reports that no candidate of a list exists on the table.
var ErrNotFound = errors.New("schemaprobe: no candidate column found")

// ResolvedColumn is the outcome of resolving one candidate list on a table.
// When Found is false ActualName is empty and Class carries no meaning.
// Degraded marks a result shaped by a failed catalog lookup; such results
// are never cached.
type ResolvedColumn struct {
	Table       string
	LogicalName string
	ActualName  string
	Found       bool
	Class       sqltype.Class
	Degraded    bool
}

// SchemaProbe resolves a candidate list to the first existing column.
type SchemaProbe interface {
	Resolve(ctx context.Context, table string, candidates []string) (string, bool)
}

// Config controls probe behavior.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.SchemaProbeMetrics
}

// Probe is the read-through SchemaProbe backed by a Catalog and a Cache.
type Probe struct {
	catalog catalog.Catalog
	cache   *Cache
	logger  *slog.Logger
	metrics *observability.SchemaProbeMetrics
}

// New creates a probe. A nil cache gets a private one.
func New(cat catalog.Catalog, cache *Cache, cfg Config) *Probe {
	if cache == nil {
		cache = NewCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		catalog: cat,
		cache:   cache,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Cache returns the cache backing the probe.
func (p *Probe) Cache() *Cache {
	return p.cache
}

// Resolve returns the first candidate that exists on table.
func (p *Probe) Resolve(ctx context.Context, table string, candidates []string) (string, bool) {
	res := p.ResolveAttribute(ctx, table, Attribute{Candidates: candidates})
	return res.ActualName, res.Found
}

// ResolveAttribute resolves attr on table and classifies the column found.
// Catalog failures count as absence. A result shaped by a failure is
// returned but not cached, so the next request probes again.
func (p *Probe) ResolveAttribute(ctx context.Context, table string, attr Attribute) ResolvedColumn {
	none := ResolvedColumn{Table: table, LogicalName: attr.Name}

	if !sqlutil.IsSafeIdentifier(table) {
		p.logger.Warn("refusing to resolve column on unsafe table name",
			slog.String("logical_attribute", attr.Name),
		)
		return none
	}
	if len(attr.Candidates) == 0 {
		return none
	}

	if cached, ok := p.cache.Resolution(table, attr.Candidates); ok {
		p.recordCacheHit(ctx, "resolution")
		cached.LogicalName = attr.Name
		return cached
	}
	p.recordCacheMiss(ctx, "resolution")

	hadError := false
	for _, candidate := range attr.Candidates {
		if !sqlutil.IsSafeIdentifier(candidate) {
			p.logger.Warn("skipping unsafe candidate column",
				slog.String("table", table),
				slog.String("logical_attribute", attr.Name),
			)
			continue
		}
		info, err := p.columnInfo(ctx, table, candidate)
		if err != nil {
			hadError = true
			p.logger.Warn("catalog lookup failed, treating candidate as absent",
				slog.String("table", table),
				slog.String("logical_attribute", attr.Name),
				slog.String("candidate", candidate),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !info.Exists {
			continue
		}
		res := ResolvedColumn{
			Table:       table,
			LogicalName: attr.Name,
			ActualName:  candidate,
			Found:       true,
			Class:       sqltype.Classify(info.DataType),
		}
		if hadError {
			// An earlier candidate may exist; do not pin this one.
			res.Degraded = true
			return res
		}
		res = p.cache.StoreResolution(table, attr.Candidates, res)
		res.LogicalName = attr.Name
		return res
	}

	p.logger.Info("candidate list exhausted",
		slog.String("table", table),
		slog.String("logical_attribute", attr.Name),
		slog.String("candidates", strings.Join(attr.Candidates, ",")),
		slog.Bool("catalog_errors", hadError),
	)
	if p.metrics != nil {
		p.metrics.RecordUnresolved(ctx, attr.Name)
	}
	if hadError {
		none.Degraded = true
		return none
	}
	p.cache.StoreResolution(table, attr.Candidates, none)
	return none
}

// Require is ResolveAttribute for callers that cannot proceed without the
// column. The error wraps ErrNotFound.
func (p *Probe) Require(ctx context.Context, table string, attr Attribute) (ResolvedColumn, error) {
	res := p.ResolveAttribute(ctx, table, attr)
	if !res.Found {
		return res, fmt.Errorf("%w: %s.%s (tried %s)", ErrNotFound, table, attr.Name, strings.Join(attr.Candidates, ", "))
	}
	return res, nil
}

// Classify returns the comparison class of table.column.
// Lookup failures and missing columns classify as Text.
func (p *Probe) Classify(ctx context.Context, table, column string) sqltype.Class {
	if !sqlutil.IsSafeIdentifier(table) || !sqlutil.IsSafeIdentifier(column) {
		return sqltype.Text
	}
	info, err := p.columnInfo(ctx, table, column)
	if err != nil {
		p.logger.Warn("type lookup failed, classifying as text",
			slog.String("table", table),
			slog.String("column", column),
			slog.String("error", err.Error()),
		)
		return sqltype.Text
	}
	if !info.Exists {
		return sqltype.Text
	}
	return sqltype.Classify(info.DataType)
}

// TableExists reports whether table exists. Errors are returned and not cached.
func (p *Probe) TableExists(ctx context.Context, table string) (bool, error) {
	if exists, ok := p.cache.Table(table); ok {
		p.recordCacheHit(ctx, "table")
		return exists, nil
	}
	p.recordCacheMiss(ctx, "table")
	exists, err := p.catalog.TableExists(ctx, table)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordCatalogError(ctx, "table_exists")
		}
		return false, err
	}
	return p.cache.StoreTable(table, exists), nil
}

func (p *Probe) columnInfo(ctx context.Context, table, column string) (ColumnInfo, error) {
	if info, ok := p.cache.Column(table, column); ok {
		p.recordCacheHit(ctx, "column")
		return info, nil
	}
	p.recordCacheMiss(ctx, "column")
	dataType, exists, err := p.catalog.ColumnType(ctx, table, column)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordCatalogError(ctx, "column_type")
		}
		return ColumnInfo{}, err
	}
	return p.cache.StoreColumn(table, column, ColumnInfo{Exists: exists, DataType: dataType}), nil
}

func (p *Probe) recordCacheHit(ctx context.Context, kind string) {
	if p.metrics != nil {
		p.metrics.RecordCacheHit(ctx, kind)
	}
}

func (p *Probe) recordCacheMiss(ctx context.Context, kind string) {
	if p.metrics != nil {
		p.metrics.RecordCacheMiss(ctx, kind)
	}
}
