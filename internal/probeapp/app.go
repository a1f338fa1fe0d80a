// Package probeapp owns the process lifecycle of the scopeprobe command:
// telemetry providers, the database pool, the probe report and the drift
// watcher with its metrics endpoint.
package probeapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"sync"

	"adminscope/internal/adminscope"
	"adminscope/internal/config"
	"adminscope/internal/logging"
	"adminscope/internal/observability"
	"adminscope/internal/schemaprobe"
)

// App owns runtime resources for the scopeprobe lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider  *observability.MeterProvider
	metrics        *observability.Metrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	registry *schemaprobe.Registry
	// newService builds a Service over a fresh metadata cache, so every
	// probe cycle sees the live catalog.
	newService func() *adminscope.Service

	metricsSrv *http.Server

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool
	started     bool
	watchErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	registry, err := cfg.Schema.Registry()
	if err != nil {
		return nil, fmt.Errorf("invalid schema candidates: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
