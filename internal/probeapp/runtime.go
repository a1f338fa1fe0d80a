package probeapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"adminscope/internal/observability"
	"adminscope/internal/schemaprobe"
)

// ProbeOnce runs one probe cycle over the configured tables and writes the
// report to out. It requires Init to have completed.
func (a *App) ProbeOnce(ctx context.Context, out io.Writer) (Report, error) {
	a.stateMu.Lock()
	newService := a.newService
	ready := a.initialized
	a.stateMu.Unlock()
	if !ready {
		return Report{}, fmt.Errorf("app is not initialized")
	}

	report := BuildReport(ctx, newService(), a.cfg.Probe.Tables, a.attributes())
	if out != nil {
		if _, err := report.WriteTo(out); err != nil {
			return report, fmt.Errorf("failed to write report: %w", err)
		}
	}
	return report, nil
}

func (a *App) attributes() []schemaprobe.Attribute {
	names := a.registry.Names()
	attrs := make([]schemaprobe.Attribute, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, a.registry.MustAttribute(name))
	}
	return attrs
}

// Start launches the drift watcher and, when configured, the metrics
// endpoint. Watch errors are delivered on the returned channel.
func (a *App) Start(out io.Writer) (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, fmt.Errorf("app is not initialized")
	}
	if a.started {
		return a.watchErrors, nil
	}
	if a.cfg.Probe.WatchInterval <= 0 {
		return nil, fmt.Errorf("probe.watch_interval must be positive to watch")
	}

	a.watchErrors = make(chan error, 1)

	if a.cfg.Probe.MetricsListen != "" && a.meterProvider != nil {
		srv, err := startMetricsServer(a.logger, a.cfg.Probe.MetricsListen, buildMetricsHandler(a.cfg, a.logger), a.watchErrors)
		if err != nil {
			return nil, err
		}
		a.metricsSrv = srv
		a.cleanup.push("metrics server", srv.Shutdown)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.watch(watchCtx, out, a.cfg.Probe.WatchInterval)
	}()
	a.cleanup.push("drift watcher", func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	a.started = true
	return a.watchErrors, nil
}

// watch re-probes on every tick with a fresh cache and logs each resolution
// that changed since the previous cycle.
func (a *App) watch(ctx context.Context, out io.Writer, interval time.Duration) {
	var drift *observability.DriftMetrics
	if a.metrics != nil {
		drift = a.metrics.Drift
	}

	prev, ok := a.cycle(ctx, out, drift, nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var last *Report
			if ok {
				last = &prev
			}
			if cur, cycleOK := a.cycle(ctx, nil, drift, last); cycleOK {
				prev, ok = cur, true
			}
		}
	}
}

func (a *App) cycle(ctx context.Context, out io.Writer, drift *observability.DriftMetrics, prev *Report) (Report, bool) {
	start := time.Now()
	report, err := a.ProbeOnce(ctx, out)
	if err != nil {
		a.logger.Error("probe cycle failed", slog.String("error", err.Error()))
	}
	success := err == nil && report.OK()

	changed := 0
	if prev != nil && success {
		changes := Diff(*prev, report)
		changed = len(changes)
		for _, c := range changes {
			a.logger.Warn("schema drift detected",
				slog.String("table", c.Table),
				slog.String("attribute", c.Attribute),
				slog.String("before", c.Before),
				slog.String("after", c.After),
			)
		}
	}
	if drift != nil {
		drift.RecordCycle(ctx, time.Since(start), success, changed)
	}
	if !success {
		a.logger.Warn("probe cycle incomplete, keeping previous baseline")
	}
	return report, success
}

// WaitForStop waits for either an OS signal or a watch error.
func (a *App) WaitForStop(stop <-chan os.Signal, watchErrors <-chan error) (reason string, err error) {
	if watchErrors == nil {
		a.stateMu.Lock()
		watchErrors = a.watchErrors
		a.stateMu.Unlock()
	}
	if stop == nil && watchErrors == nil {
		return "", fmt.Errorf("both stop and watchErrors channels are nil")
	}

	select {
	case err := <-watchErrors:
		if err == nil {
			return "watch_error", fmt.Errorf("watcher stopped unexpectedly")
		}
		return "watch_error", err
	case sig := <-stop:
		if a.logger != nil {
			a.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		}
		return "signal", nil
	}
}
