package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeMetrics holds authorization metrics for scope decisions.
type ScopeMetrics struct {
	decisions        metric.Int64Counter
	emptyScopes      metric.Int64Counter
	ownershipFailure metric.Int64Counter
	droppedIDs       metric.Int64Counter
}

// InitScopeMetrics creates the scope decision metric family.
func InitScopeMetrics() (*ScopeMetrics, error) {
	meter := otel.Meter(meterName + "/scope")

	decisions, err := meter.Int64Counter(
		"adminscope.scope.decisions.total",
		metric.WithDescription("Total number of scope decisions by role and state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scope decisions counter: %w", err)
	}

	emptyScopes, err := meter.Int64Counter(
		"adminscope.scope.empty.total",
		metric.WithDescription("Total number of requests scoped to nothing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create empty scope counter: %w", err)
	}

	ownershipFailure, err := meter.Int64Counter(
		"adminscope.scope.ownership_lookup_errors.total",
		metric.WithDescription("Total number of failed owned-hotel lookups"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ownership lookup error counter: %w", err)
	}

	droppedIDs, err := meter.Int64Counter(
		"adminscope.scope.dropped_ids.total",
		metric.WithDescription("Total number of non-numeric ids dropped from numeric membership filters"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped ids counter: %w", err)
	}

	return &ScopeMetrics{
		decisions:        decisions,
		emptyScopes:      emptyScopes,
		ownershipFailure: ownershipFailure,
		droppedIDs:       droppedIDs,
	}, nil
}

// RecordDecision records the state a request resolved to.
func (m *ScopeMetrics) RecordDecision(ctx context.Context, role, state string) {
	attrs := []attribute.KeyValue{
		attribute.String("role", role),
		attribute.String("state", state),
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if state == "empty" {
		m.emptyScopes.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	}
}

func (m *ScopeMetrics) RecordOwnershipLookupError(ctx context.Context) {
	m.ownershipFailure.Add(ctx, 1)
}

func (m *ScopeMetrics) RecordDroppedIDs(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	m.droppedIDs.Add(ctx, int64(count))
}
