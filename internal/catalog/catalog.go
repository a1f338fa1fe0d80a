// Package catalog answers schema metadata questions from PostgreSQL's
// information_schema: whether a table or column exists and what type a
// column was declared with.
package catalog

import (
	"context"
	"database/sql"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Catalog is the metadata interface consumed by the schema probe.
type Catalog interface {
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	// ColumnType returns the declared type and whether the column exists.
	ColumnType(ctx context.Context, table, column string) (string, bool, error)
	TableExists(ctx context.Context, table string) (bool, error)
}

// Queryer provides query access for catalog lookups.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Postgres implements Catalog over information_schema.
type Postgres struct {
	db     Queryer
	schema string
}

// NewPostgres creates a catalog for the given schema.
// An empty schema searches the session's current_schemas.
func NewPostgres(db Queryer, schema string) *Postgres {
	return &Postgres{db: db, schema: schema}
}

func (p *Postgres) schemaFilter(next int) (string, []any) {
	if p.schema == "" {
		return "table_schema = ANY (current_schemas(false))", nil
	}
	return "table_schema = $" + strconv.Itoa(next), []any{p.schema}
}

// ColumnExists reports whether column exists on table.
func (p *Postgres) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	_, ok, err := p.ColumnType(ctx, table, column)
	return ok, err
}

// ColumnType returns the declared data_type of table.column.
func (p *Postgres) ColumnType(ctx context.Context, table, column string) (string, bool, error) {
	ctx, span := startSpan(ctx, "catalog.column_type",
		attribute.String("db.table", table),
		attribute.String("db.column", column),
	)
	defer span.End()

	filter, schemaArgs := p.schemaFilter(3)
	query := `
		SELECT data_type
		FROM information_schema.columns
		WHERE table_name = $1
		AND column_name = $2
		AND ` + filter + `
		LIMIT 1
	`
	args := append([]any{table, column}, schemaArgs...)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return "", false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			recordSpanError(span, err)
			return "", false, err
		}
		return "", false, nil
	}
	var dataType sql.NullString
	if err := rows.Scan(&dataType); err != nil {
		recordSpanError(span, err)
		return "", false, err
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return "", false, err
	}
	span.SetAttributes(attribute.String("db.column_type", dataType.String))
	return dataType.String, true, nil
}

// TableExists reports whether a base table or view named table is visible.
func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, span := startSpan(ctx, "catalog.table_exists",
		attribute.String("db.table", table),
	)
	defer span.End()

	filter, schemaArgs := p.schemaFilter(2)
	query := `
		SELECT 1
		FROM information_schema.tables
		WHERE table_name = $1
		AND ` + filter + `
		LIMIT 1
	`
	args := append([]any{table}, schemaArgs...)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		recordSpanError(span, err)
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return false, err
	}
	return found, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("adminscope/catalog")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
