// Command testdeckd runs the test execution daemon: cron-driven
// scheduling, the run worker pool, live event streaming, and the
// requirement coverage updater, all behind one HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"testdeck/internal/config"
	"testdeck/internal/coverage"
	"testdeck/internal/eventbus"
	"testdeck/internal/httpapi"
	"testdeck/internal/run"
	"testdeck/internal/schedule"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	boot := logx.NewConsole("info")

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		boot.Error("config load failed", logx.String("path", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		boot.Error("config invalid", logx.String("path", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		boot.Error("logger init failed", logx.Err(err))
		os.Exit(1)
	}
	mgr.SetLogger(log)

	if err := serve(mgr, cfg, log); err != nil {
		log.Error("daemon exited with error", logx.Err(err))
		os.Exit(1)
	}
}

func serve(mgr *config.Manager, cfg *config.Config, log logx.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// Runs left non-terminal by a previous process can never finish;
	// settle them before accepting new work.
	if n, err := store.RecoverStrandedRuns(ctx, "interrupted by restart"); err != nil {
		return fmt.Errorf("recover stranded runs: %w", err)
	} else if n > 0 {
		log.Warn("recovered stranded runs", logx.Int64("count", n))
	}

	bus := eventbus.New()
	bc := run.NewBroadcaster(cfg.Stream.SubscriberBuffer, log.With(logx.String("comp", "stream")))
	tracker := run.NewTracker(store, bus, bc, log.With(logx.String("comp", "tracker")))
	backend := run.NewExecBackend(cfg.Runner.Command, log.With(logx.String("comp", "backend")))

	defaultTimeout, _ := config.ParseDurationOrDefault("runner.default_timeout", cfg.Runner.DefaultTimeout, 10*time.Minute)
	pool := run.NewPool(run.PoolConfig{
		MaxConcurrentRuns: cfg.Runner.MaxConcurrentRuns,
		QueueSize:         cfg.Runner.QueueSize,
		DefaultTimeout:    defaultTimeout,
	}, store, tracker, backend, log.With(logx.String("comp", "pool")))
	pool.Start(ctx)

	cancelGrace, _ := config.ParseDurationOrDefault("runner.cancel_grace", cfg.Runner.CancelGrace, 10*time.Second)
	coord := run.NewCoordinator(tracker, pool, cancelGrace, log.With(logx.String("comp", "cancel")))

	covSvc := coverage.NewService(store, log.With(logx.String("comp", "coverage")))
	updater := coverage.NewUpdater(covSvc, bus, time.Minute, log.With(logx.String("comp", "coverage")))
	updater.Start(ctx)

	retryBase, _ := config.ParseDurationOrDefault("scheduler.retry_base", cfg.Scheduler.RetryBase, 2*time.Second)
	registry, err := schedule.NewRegistry(schedule.Config{
		Timezone:   cfg.Scheduler.Timezone,
		RetryLimit: cfg.Scheduler.RetryLimit,
		RetryBase:  retryBase,
	}, store, pool, tracker, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if err := registry.ReconcileAll(ctx); err != nil {
		// Persisted definitions are re-readable; a failed reconcile only
		// delays timers until the next CRUD touch.
		log.Warn("initial schedule reconcile failed", logx.Err(err))
	}
	if cfg.Scheduler.Enabled {
		registry.Start()
	}

	heartbeat, _ := config.ParseDurationOrDefault("stream.heartbeat_interval", cfg.Stream.HeartbeatInterval, 15*time.Second)
	readTimeout, _ := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	idleTimeout, _ := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 60*time.Second)
	srv := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.Server.Addr,
		RatePerSec:        cfg.Server.RatePerSec,
		RateBurst:         cfg.Server.RateBurst,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		HeartbeatInterval: heartbeat,
	}, pool, tracker, coord, registry, store, covSvc, log.With(logx.String("comp", "http")))

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	// Hot reload: validated configs are published to the subscription;
	// worker-count changes restart the pool.
	mgr.SetValidator(validateConfig)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		prev := cfg
		for next := range sub {
			applyReload(ctx, prev, next, pool, log)
			prev = next
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Ordered shutdown: stop triggering first, then drain workers, then
	// close the HTTP surface.
	shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cfg.Scheduler.Enabled {
		registry.Stop(shCtx)
	}
	pool.Stop(shCtx)
	updater.Stop()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("http shutdown incomplete", logx.Err(err))
	}
	log.Info("shutdown complete")
	return nil
}

func applyReload(ctx context.Context, prev, next *config.Config, pool *run.Pool, log logx.Logger) {
	if next.Runner.MaxConcurrentRuns != prev.Runner.MaxConcurrentRuns ||
		next.Runner.QueueSize != prev.Runner.QueueSize {
		defaultTimeout, _ := config.ParseDurationOrDefault("runner.default_timeout", next.Runner.DefaultTimeout, 10*time.Minute)
		log.Info("runner config changed, restarting pool",
			logx.Int("workers", next.Runner.MaxConcurrentRuns),
			logx.Int("queue", next.Runner.QueueSize))
		pool.Reconfigure(ctx, run.PoolConfig{
			MaxConcurrentRuns: next.Runner.MaxConcurrentRuns,
			QueueSize:         next.Runner.QueueSize,
			DefaultTimeout:    defaultTimeout,
		})
	}
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("empty config")
	}
	if cfg.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"runner.default_timeout", cfg.Runner.DefaultTimeout},
		{"runner.cancel_grace", cfg.Runner.CancelGrace},
		{"scheduler.retry_base", cfg.Scheduler.RetryBase},
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatInterval},
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Runner.MaxConcurrentRuns < 0 {
		return errors.New("runner.max_concurrent_runs must be >= 0")
	}
	if cfg.Runner.QueueSize < 0 {
		return errors.New("runner.queue_size must be >= 0")
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
