package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matrixise/ethbalance/internal/api"
	"github.com/matrixise/ethbalance/internal/balance"
	"github.com/matrixise/ethbalance/internal/blockchain"
	"github.com/matrixise/ethbalance/internal/cache"
	"github.com/matrixise/ethbalance/internal/config"
	"github.com/matrixise/ethbalance/internal/health"
	"github.com/matrixise/ethbalance/internal/logger"
	"github.com/matrixise/ethbalance/internal/metrics"
	"github.com/matrixise/ethbalance/internal/reconcile"
	"github.com/matrixise/ethbalance/internal/scheduler"
	"github.com/matrixise/ethbalance/internal/storage"
	"github.com/matrixise/ethbalance/internal/watcher"
)

var (
	sweepInterval string
	once          bool
	noWatcher     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the balance service",
	Long: `Serve balance lookups over HTTP, watch pending transactions and reconcile
the balances of their parties once they settle. With --once, refresh one batch
of stale balances and exit.`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&sweepInterval, "sweep-interval", "", "stale sweep interval - duration (5m, 1h) or cron (\"*/5 * * * *\") - overrides config")
	runCmd.Flags().BoolVar(&once, "once", false, "run one stale sweep and exit")
	runCmd.Flags().BoolVar(&noWatcher, "no-watcher", false, "do not subscribe to pending transactions (consume events only)")
}

func runService(cmd *cobra.Command, args []string) error {
	// Setup logger (log-level from global flag)
	logger.Setup(logLevel)

	// Context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, databaseURL, err := config.LoadWithDefaults(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}

	// Override log level if set in config
	if cfg.LogLevel != "" {
		logger.Setup(cfg.LogLevel)
	}
	if sweepInterval != "" {
		if err := scheduler.ValidateScheduleInterval(sweepInterval); err != nil {
			return fmt.Errorf("--sweep-interval: %w", err)
		}
		cfg.Sweep.Interval = sweepInterval
	}

	slog.Info("Configuration loaded",
		"config_path", cfgFile,
		"rpc_endpoints", len(cfg.RPCUrls),
		"cache_backend", cfg.Cache.Backend,
		"lock_backend", cfg.Lock.Backend,
		"bus_backend", cfg.Bus.Backend,
		"sweep_interval", cfg.Sweep.Interval,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Connect to PostgreSQL
	store, err := storage.NewStore(ctx, databaseURL)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		return err
	}
	defer store.Close()
	slog.Info("PostgreSQL connection established")

	if err := storage.RunMigrations(ctx, databaseURL); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		return err
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = newRedisClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			return err
		}
		defer rdb.Close()
		slog.Info("Redis connection established", "addr", cfg.Redis.Addr)
	}

	// Connect to blockchain with failover support
	client, err := blockchain.NewClient(cfg.RPCUrls, slog.Default())
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	defer client.Close()

	if len(cfg.RPCUrls) == 1 {
		slog.Info("RPC connection established", "endpoint", cfg.RPCUrls[0])
	} else {
		slog.Info("RPC connection established with failover",
			"endpoints", len(cfg.RPCUrls),
			"primary", cfg.RPCUrls[0])
	}

	balanceCache := newCache(cfg.Cache, rdb)
	locker := newLocker(cfg.Lock, rdb)
	applier := reconcile.NewApplier(client, store, balanceCache, locker, slog.Default(), m)
	sweeper := reconcile.NewSweeper(store, applier, cfg.Sweep.StaleAfter, cfg.Sweep.BatchSize, slog.Default())

	if once {
		return sweeper.Run(ctx)
	}

	resolver := balance.NewResolver(client, store, balanceCache, slog.Default(), m)
	defer resolver.Close()

	bus, err := newBus(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to set up event bus", "error", err)
		return err
	}
	defer bus.Close()

	worker := reconcile.NewWorker(client, applier, reconcile.WorkerConfig{
		PollInterval:           cfg.Reconcile.PollInterval,
		MaxAttempts:            cfg.Reconcile.MaxAttempts,
		MaxDuration:            cfg.Reconcile.MaxDuration,
		Workers:                cfg.Reconcile.Workers,
		LockRetries:            cfg.Reconcile.LockRetries,
		TrackUnknownRecipients: cfg.Reconcile.TrackUnknownRecipients,
	}, slog.Default(), m)

	deps := health.Dependencies{Database: store, RPC: client}
	if rdb != nil {
		deps.Redis = cache.NewRedisBackend(rdb)
	}

	g, gctx := errgroup.WithContext(ctx)

	if !noWatcher {
		w := watcher.New(blockchain.NewSubscriber(cfg.WSUrl), bus, slog.Default(), m)
		deps.Watcher = w
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return worker.Run(gctx, bus) })

	// Stale sweep on the scheduler
	var expectedInterval time.Duration
	var healthChecker *health.Checker
	if cfg.SweepEnabled() {
		slog.Info("Starting stale sweep scheduler",
			"schedule", scheduler.DescribeSchedule(cfg.Sweep.Interval, cfg.GetTimezone()),
			"run_immediately", cfg.ShouldRunImmediately())

		jobFunc := func(jobCtx context.Context) error {
			err := sweeper.Run(jobCtx)
			if healthChecker != nil {
				healthChecker.UpdateLastRun(err == nil)
			}
			return err
		}

		sched, err := scheduler.NewScheduler(gctx, scheduler.Config{
			Name:           "stale-sweep",
			Interval:       cfg.Sweep.Interval,
			Timezone:       cfg.GetTimezone(),
			RunImmediately: cfg.ShouldRunImmediately(),
			Logger:         slog.Default(),
		}, jobFunc)
		if err != nil {
			slog.Error("Failed to create scheduler", "error", err)
			return fmt.Errorf("scheduler creation failed: %w", err)
		}
		defer sched.Stop()

		expectedInterval, err = sched.GetExpectedInterval()
		if err != nil {
			// Fallback to conservative estimate for irregular cron expressions
			expectedInterval = 5 * time.Minute
			slog.Warn("Could not determine exact interval, using conservative estimate",
				"interval", expectedInterval)
		}

		healthChecker = health.NewChecker(deps, expectedInterval)
		if err := sched.Start(); err != nil {
			slog.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("scheduler start failed: %w", err)
		}
	} else {
		healthChecker = health.NewChecker(deps, 0)
	}

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: api.NewRouter(api.Options{
			Resolver: resolver,
			Records:  store,
			Applier:  applier,
			Health:   healthChecker.Handler(),
			Gatherer: registry,
			Logger:   slog.Default(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g.Go(func() error {
		slog.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("Service started")
	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		slog.Error("Service stopped on error", "error", err)
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
