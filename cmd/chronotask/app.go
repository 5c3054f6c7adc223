package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chronotask/chronotask/internal/bus"
	"github.com/chronotask/chronotask/internal/config"
	"github.com/chronotask/chronotask/internal/events"
	"github.com/chronotask/chronotask/internal/hooks"
	"github.com/chronotask/chronotask/internal/leader"
	"github.com/chronotask/chronotask/internal/notify"
	"github.com/chronotask/chronotask/internal/observability"
	"github.com/chronotask/chronotask/internal/tasks"
)

// app holds the wired components behind every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	store     *tasks.SQLiteStore
	registry  *tasks.Registry
	scheduler *tasks.Scheduler

	bus     *bus.Bus
	elector leader.Elector
	events  *events.Bus
	hooks   *hooks.Registry
	metrics *observability.SchedulerMetrics
}

// newApp loads configuration and wires store, election, bus, and
// scheduler. Commands other than serve use the scheduler without
// initializing it, so they persist mutations and leave firing to the
// running leader.
func newApp(configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := buildLogger(cfg, debug)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := tasks.NewSQLiteStore(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	spool, err := bus.New(cfg.SpoolDir(), instanceID, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	elector := leader.Elect(
		leader.NewFileLock(cfg.LockPath(), logger),
		leader.NewHeartbeat(store.DB(), cfg.DataDir, instanceID, logger),
		logger,
	)

	eventBus := events.New(logger)
	hookRegistry := hooks.NewRegistry(logger)
	registry := tasks.NewRegistry()

	a := &app{
		cfg:        cfg,
		logger:     logger,
		instanceID: instanceID,
		store:      store,
		registry:   registry,
		bus:        spool,
		elector:    elector,
		events:     eventBus,
		hooks:      hookRegistry,
	}

	opts := []tasks.Option{
		tasks.WithLogger(logger),
		tasks.WithLeaderElector(elector),
		tasks.WithStatusPublisher(spool),
		tasks.WithNotificationSink(notify.Multi{
			notify.NewLogSink(logger),
			notify.NewWebhookSink(logger),
		}),
		tasks.WithHooks(hookRegistry),
		tasks.WithEventEmitter(eventBus),
		tasks.WithSweepInterval(cfg.Scheduler.SweepInterval),
		tasks.WithRetention(cfg.Scheduler.RetentionInterval, cfg.Scheduler.RetentionMaxDays),
	}
	if cfg.Metrics.Enabled {
		a.metrics = observability.NewSchedulerMetrics(prometheus.DefaultRegisterer)
		opts = append(opts, tasks.WithMetrics(a.metrics))
	}

	a.scheduler = tasks.NewScheduler(store, registry, opts...)
	eventBus.Bind(a.scheduler)
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

func buildLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
