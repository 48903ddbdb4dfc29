package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmcleod/fieldkey/auditlog"
	"github.com/jmcleod/fieldkey/config"
	"github.com/jmcleod/fieldkey/health"
	"github.com/jmcleod/fieldkey/keyring"
	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/rotation"
	"github.com/jmcleod/fieldkey/secretsource"
	"github.com/jmcleod/fieldkey/storage"
	bboltstorage "github.com/jmcleod/fieldkey/storage/bbolt"
	"github.com/jmcleod/fieldkey/storage/memory"
	pgstorage "github.com/jmcleod/fieldkey/storage/postgres"
)

// app is the wired set of components one command runs against.
type app struct {
	repo    storage.Repository
	keys    *keyring.Keyring
	orch    *rotation.Orchestrator
	monitor *health.Monitor
	trail   *auditlog.StoreSink
	metrics *prometheus.Registry
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp opens storage, checks its layout and wires the orchestrator with
// every configured audit sink.
func openApp(ctx context.Context) (*app, error) {
	a := &app{metrics: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var coverage *health.PostgresCoverage
	switch cfg.Storage {
	case config.StorageMemory:
		a.repo = memory.NewRepository()
		logger.Warn("using in-memory key registry; nothing survives this process")
	case config.StorageBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "fieldkey.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("opening key registry: %w", err)
		}
		a.closers = append(a.closers, func() { store.Close() })
		a.repo = store
	case config.StoragePostgres:
		store, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.repo = store
		cols, err := health.ParseColumns(cfg.CoverageColumns)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			coverage = health.NewPostgresCoverage(store.Pool(), cols)
		}
	}
	if err := a.repo.CheckSchema(ctx); err != nil {
		return nil, fmt.Errorf("checking storage layout: %w", err)
	}

	src, err := secretsource.New(ctx, cfg.SecretSource(logger))
	if err != nil {
		return nil, fmt.Errorf("configuring master secret source: %w", err)
	}
	a.keys = keyring.New(src, keyring.WithLogger(logger))
	a.closers = append(a.closers, a.keys.Invalidate)

	a.trail = auditlog.NewStoreSink(a.repo, logger)
	sinks := []auditlog.Sink{
		auditlog.NewSlogSink(logger),
		a.trail,
		health.NewEventCounter(a.metrics),
		auditlog.NewAlertSink(func(evt auditlog.AlertEvent) {
			logger.Error("key management alert",
				slog.String("type", string(evt.Type)),
				slog.String("message", evt.Message),
				slog.Int("count", evt.Count))
		}),
	}
	if cfg.AuditWebhookURL != "" {
		hook := auditlog.NewWebhookSink(cfg.AuditWebhookURL, cfg.AuditWebhookAuth, logger)
		a.closers = append(a.closers, hook.Close)
		sinks = append(sinks, hook)
	}

	opts := []rotation.Option{
		rotation.WithLogger(logger),
		rotation.WithAuditSink(auditlog.Multi(sinks...)),
		rotation.WithKeyLifetime(cfg.KeyLifetime),
	}
	var monOpts []health.Option
	if coverage != nil {
		opts = append(opts, rotation.WithSampler(coverage))
		monOpts = append(monOpts, health.WithCoverage(coverage))
	}
	reg := registry.New(a.repo, registry.WithLogger(logger))
	a.orch = rotation.New(reg, a.keys, opts...)
	a.monitor = health.NewMonitor(a.orch, append(monOpts, health.WithLogger(logger))...)

	a.metrics.MustRegister(
		health.NewCollector(a.monitor, health.Options{WarnWithin: cfg.WarnWithin()}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ok = true
	return a, nil
}

// completeOptions are the verification settings from configuration.
func completeOptions(verify bool) rotation.CompleteOptions {
	return rotation.CompleteOptions{VerifySample: verify, SampleSize: cfg.SampleSize}
}

// initiatedBy names the operator for audit records.
func initiatedBy() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
