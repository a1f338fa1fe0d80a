package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"adminscope/internal/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of a read. TableMissing distinguishes "the
// relation does not exist" from an ordinary empty result.
type Result struct {
	QueryID      string
	Rows         []map[string]any
	TableMissing bool
}

// ExecResult is the outcome of a write.
type ExecResult struct {
	QueryID      string
	RowsAffected int64
	TableMissing bool
}

// SafeExecutorConfig controls SafeExecutor behavior.
type SafeExecutorConfig struct {
	Logger  *slog.Logger
	Metrics *observability.ExecutorMetrics
}

// SafeExecutor runs parameterized SQL. A missing relation becomes an
// explicit empty result; every other failure is a *FatalError. Parameter
// values are never logged.
type SafeExecutor struct {
	exec    QueryExecutor
	logger  *slog.Logger
	metrics *observability.ExecutorMetrics
}

// NewSafeExecutor wraps exec.
func NewSafeExecutor(exec QueryExecutor, cfg SafeExecutorConfig) *SafeExecutor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeExecutor{exec: exec, logger: logger, metrics: cfg.Metrics}
}

// Run executes query and maps every row to column name -> value.
// []byte values are returned as strings.
func (e *SafeExecutor) Run(ctx context.Context, query string, args []any) (Result, error) {
	queryID := uuid.NewString()
	ctx, span := startSpan(ctx, "dbexec.run", queryID, len(args))
	defer span.End()
	started := e.begin(ctx)

	rows, err := e.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return e.classifyRead(ctx, span, started, queryID, query, args, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	mapped, err := scanRows(rows)
	if err != nil {
		return e.classifyRead(ctx, span, started, queryID, query, args, err)
	}

	e.finish(ctx, started, observability.OutcomeOK, len(mapped))
	span.SetAttributes(attribute.Int("db.rows", len(mapped)))
	return Result{QueryID: queryID, Rows: mapped}, nil
}

// Count executes a single-value query such as SELECT COUNT(*).
// A missing relation counts as zero.
func (e *SafeExecutor) Count(ctx context.Context, query string, args []any) (int64, bool, error) {
	queryID := uuid.NewString()
	ctx, span := startSpan(ctx, "dbexec.count", queryID, len(args))
	defer span.End()
	started := e.begin(ctx)

	rows, err := e.exec.QueryContext(ctx, query, args...)
	if err != nil {
		res, err := e.classifyRead(ctx, span, started, queryID, query, args, err)
		return 0, res.TableMissing, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var n sql.NullInt64
	if rows.Next() {
		err = rows.Scan(&n)
	}
	if err == nil {
		err = rows.Err()
	}
	if err != nil {
		res, err := e.classifyRead(ctx, span, started, queryID, query, args, err)
		return 0, res.TableMissing, err
	}

	e.finish(ctx, started, observability.OutcomeOK, 1)
	return n.Int64, false, nil
}

// Exec executes a statement that returns no rows.
func (e *SafeExecutor) Exec(ctx context.Context, query string, args []any) (ExecResult, error) {
	queryID := uuid.NewString()
	ctx, span := startSpan(ctx, "dbexec.exec", queryID, len(args))
	defer span.End()
	started := e.begin(ctx)

	res, err := e.exec.ExecContext(ctx, query, args...)
	if err == nil {
		var affected int64
		affected, err = res.RowsAffected()
		if err == nil {
			e.finish(ctx, started, observability.OutcomeOK, int(affected))
			return ExecResult{QueryID: queryID, RowsAffected: affected}, nil
		}
	}

	read, err := e.classifyRead(ctx, span, started, queryID, query, args, err)
	return ExecResult{QueryID: queryID, TableMissing: read.TableMissing}, err
}

func (e *SafeExecutor) classifyRead(ctx context.Context, span trace.Span, started time.Time, queryID, query string, args []any, err error) (Result, error) {
	if IsUndefinedRelation(err) {
		e.logger.Info("relation does not exist, returning empty result",
			slog.String("query_id", queryID),
			slog.String("sql", query),
		)
		span.SetAttributes(attribute.Bool("db.table_missing", true))
		e.finish(ctx, started, observability.OutcomeTableMissing, 0)
		return Result{QueryID: queryID, Rows: []map[string]any{}, TableMissing: true}, nil
	}

	msg := SafeErrorMessage(err)
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
	e.logger.Error("query failed",
		slog.String("query_id", queryID),
		slog.String("sql", query),
		slog.Int("param_count", len(args)),
		slog.String("error", msg),
	)
	e.finish(ctx, started, observability.OutcomeError, 0)
	return Result{QueryID: queryID}, &FatalError{QueryID: queryID, Err: err}
}

func (e *SafeExecutor) begin(ctx context.Context) time.Time {
	if e.metrics != nil {
		e.metrics.IncrementActive(ctx)
	}
	return time.Now()
}

func (e *SafeExecutor) finish(ctx context.Context, started time.Time, outcome string, rows int) {
	if e.metrics == nil {
		return
	}
	e.metrics.DecrementActive(ctx)
	e.metrics.RecordQuery(ctx, time.Since(started), outcome, rows)
}

func scanRows(rows Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func startSpan(ctx context.Context, name, queryID string, params int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("adminscope/dbexec").Start(ctx, name)
	span.SetAttributes(
		attribute.String("db.query_id", queryID),
		attribute.Int("db.param_count", params),
	)
	return ctx, span
}
