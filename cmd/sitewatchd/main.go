package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sitewatch/internal/aggregator"
	"sitewatch/internal/config"
	"sitewatch/internal/executor"
	"sitewatch/internal/httpapi"
	"sitewatch/internal/logging"
	"sitewatch/internal/probe"
	"sitewatch/internal/repo"
	"sitewatch/internal/repo/memory"
	"sitewatch/internal/repo/postgres"
	"sitewatch/internal/scheduler"
	"sitewatch/internal/sink"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.NewLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	targets, err := config.LoadTargets(cfg.TargetsFile)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	var (
		results  repo.ResultStore
		stats    repo.StatStore
		targetDB repo.TargetStore
		closeDB  func()
	)
	if cfg.DatabaseURL != "" {
		store, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		results, stats, targetDB, closeDB = store, store, store, store.Close
	} else {
		logger.Warn("no_database_url_using_memory_store")
		store := memory.New()
		results, stats, targetDB, closeDB = store, store, store, func() {}
	}
	defer closeDB()

	if err := targetDB.SyncTargets(ctx, targets); err != nil {
		return fmt.Errorf("sync targets: %w", err)
	}

	prober := &probe.Retry{
		Inner:    probe.NewHTTPProber(cfg.Timeout),
		Attempts: cfg.RetryLimit,
		Backoff:  cfg.RetryBackoff,
	}

	var backend executor.Backend
	switch cfg.Backend {
	case config.BackendNomad:
		nomad, err := executor.NewNomad(executor.NomadConfig{
			Address:     cfg.NomadAddr,
			JobID:       cfg.NomadJobID,
			Concurrency: cfg.Concurrency,
		}, logger)
		if err != nil {
			return fmt.Errorf("nomad backend: %w", err)
		}
		if err := nomad.Healthy(); err != nil {
			return fmt.Errorf("nomad unreachable: %w", err)
		}
		backend = nomad
	case config.BackendPool:
		backend = executor.NewPool(prober, executor.PoolConfig{
			Workers:    cfg.Concurrency,
			QueueDepth: cfg.QueueDepth,
			Attempts:   cfg.RetryLimit,
			Backoff:    cfg.RetryBackoff,
		}, logger)
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	snk := sink.New(results, cfg.SinkAttempts, cfg.SinkBackoff, logger)

	sched := scheduler.New(backend, snk, scheduler.Config{
		Tick:    cfg.Tick,
		Timeout: cfg.Timeout,
		Grace:   cfg.ShutdownGrace,
	}, logger)
	sched.SetTargets(targets)

	agg := aggregator.New(results, stats, cfg.Retention, logger)
	runner, err := aggregator.NewRunner(agg, cfg.AggregateSpec, logger)
	if err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	api := httpapi.NewServer(logger, sched, snk)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.Router()}
	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api_error", zap.Error(err))
		}
	}()

	// SIGHUP reloads the target file; a bad file keeps the current set.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			ts, err := config.LoadTargets(cfg.TargetsFile)
			if err != nil {
				logger.Warn("reload_rejected", zap.Error(err))
				continue
			}
			if err := targetDB.SyncTargets(context.Background(), ts); err != nil {
				logger.Warn("reload_sync_error", zap.Error(err))
			}
			sched.Reload(ts)
			logger.Info("targets_reloaded", zap.Int("count", len(ts)))
		}
	}()

	logger.Info("sitewatch_started",
		zap.Int("targets", len(targets)),
		zap.String("backend", cfg.Backend),
		zap.Int("concurrency", cfg.Concurrency),
	)

	sched.Run(ctx)

	// Scheduler returned: shut the rest down with a bounded budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := backend.Close(shutdownCtx); err != nil {
		logger.Warn("backend_close", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown", zap.Error(err))
	}
	logger.Info("sitewatch_stopped", zap.Uint64("dropped_results", snk.Dropped()))
	return nil
}
