package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DriftMetrics holds metrics for the schema drift watcher.
type DriftMetrics struct {
	cycles          metric.Int64Counter
	changes         metric.Int64Counter
	durationHist    metric.Float64Histogram
	lastSuccessUnix atomic.Int64
}

// InitDriftMetrics creates the drift watcher metric family, including an
// observable gauge with the time of the last successful probe cycle.
func InitDriftMetrics() (*DriftMetrics, error) {
	meter := otel.Meter(meterName)

	cycles, err := meter.Int64Counter(
		"adminscope.drift.cycles.total",
		metric.WithDescription("Total number of schema probe cycles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drift cycle counter: %w", err)
	}

	changes, err := meter.Int64Counter(
		"adminscope.drift.changes.total",
		metric.WithDescription("Total number of resolution changes between probe cycles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drift change counter: %w", err)
	}

	durationHist, err := meter.Float64Histogram(
		"adminscope.drift.duration",
		metric.WithDescription("Duration of schema probe cycles in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drift duration histogram: %w", err)
	}

	lastSuccessGauge, err := meter.Int64ObservableGauge(
		"adminscope.drift.last_success_unix",
		metric.WithDescription("Unix timestamp of the last successful schema probe cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drift last success gauge: %w", err)
	}

	metrics := &DriftMetrics{
		cycles:       cycles,
		changes:      changes,
		durationHist: durationHist,
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if value := metrics.lastSuccessUnix.Load(); value > 0 {
				observer.ObserveInt64(lastSuccessGauge, value)
			}
			return nil
		},
		lastSuccessGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register drift gauge callback: %w", err)
	}

	return metrics, nil
}

// RecordCycle records one probe cycle and how many resolutions changed.
func (m *DriftMetrics) RecordCycle(ctx context.Context, duration time.Duration, success bool, changed int) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.cycles.Add(ctx, 1, attrs)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), attrs)
	if !success {
		return
	}
	if changed > 0 {
		m.changes.Add(ctx, int64(changed))
	}
	m.lastSuccessUnix.Store(time.Now().Unix())
}

// LastSuccess returns the time of the last successful cycle, zero if none.
func (m *DriftMetrics) LastSuccess() time.Time {
	value := m.lastSuccessUnix.Load()
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0)
}
