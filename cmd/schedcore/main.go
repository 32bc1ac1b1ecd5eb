package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/analytics"
	"github.com/meridiancrm/schedcore/internal/api"
	"github.com/meridiancrm/schedcore/internal/command"
	"github.com/meridiancrm/schedcore/internal/config"
	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/events"
	"github.com/meridiancrm/schedcore/internal/feature"
	"github.com/meridiancrm/schedcore/internal/logging"
	"github.com/meridiancrm/schedcore/internal/manifest"
	"github.com/meridiancrm/schedcore/internal/metrics"
	"github.com/meridiancrm/schedcore/internal/pglock"
	"github.com/meridiancrm/schedcore/internal/poller"
	"github.com/meridiancrm/schedcore/internal/queue"
	"github.com/meridiancrm/schedcore/internal/registrar"
	"github.com/meridiancrm/schedcore/internal/schedules"
	"github.com/meridiancrm/schedcore/internal/store/postgres"
	"github.com/meridiancrm/schedcore/internal/syncer"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// bootTimeout bounds one-shot startup operations against external
// systems: stream setup, manifest application, the initial sync.
const bootTimeout = 30 * time.Second

func main() {
	// Missing .env is not an error; the environment wins either way.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`schedcore - multi-tenant schedule orchestration service

Usage:
  schedcore <command>

Commands:
  serve      Start the control plane (API, runner, manifests)
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  SCHEDCORE_DATABASE_URL           PostgreSQL connection string (required)
  SCHEDCORE_RUNNER_MODE            Execution mode: "single" or "distributed" (default: "single")
  SCHEDCORE_HTTP_ADDR              HTTP server address (default: ":8080")
  SCHEDCORE_METRICS_ADDR           Prometheus listener address (default: disabled)

  SCHEDCORE_POLL_INTERVAL          Poll interval in single mode (default: "1m")
  SCHEDCORE_BATCH_SIZE             Max due schedules per poll cycle (default: "100")

  SCHEDCORE_NATS_URL               NATS server URL (required in distributed mode)
  SCHEDCORE_TICK_INTERVAL          Repeat ticker interval, worker binary (default: "1s")
  SCHEDCORE_WORKER_CONCURRENCY     Concurrent occurrence handlers, worker binary (default: "5")
  SCHEDCORE_EVENTS_SUBJECT_PREFIX  Run event subject prefix (default: "schedcore.events")

  SCHEDCORE_FEATURE_GATE           Gate backend: "off", "static" or "redis" (default: "off")
  SCHEDCORE_FEATURES               Comma-separated feature list for the static gate
  SCHEDCORE_REDIS_ADDR             Redis address (required when the gate is "redis")

  SCHEDCORE_MANIFEST_DIR           Module schedule manifest directory (default: disabled)

  SCHEDCORE_DB_OP_TIMEOUT          Database operation timeout (default: "5s")
  SCHEDCORE_DB_MAX_OPEN_CONNS      Max open database connections (default: "25")
  SCHEDCORE_DB_MAX_IDLE_CONNS      Max idle database connections (default: "5")
  SCHEDCORE_DB_CONN_MAX_LIFETIME   Max connection lifetime (default: "30m")

  SCHEDCORE_SHUTDOWN_TIMEOUT       Graceful shutdown timeout (default: "10s")
  SCHEDCORE_LOG_LEVEL              Log level: trace|debug|info|warn|error (default: "info")
  SCHEDCORE_LOG_PRETTY             Human-readable console logs (default: "false")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := logging.New("schedcore", cfg.LogLevel, cfg.LogPretty)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	logger.Info().
		Int("max_open", cfg.DBMaxOpenConns).
		Int("max_idle", cfg.DBMaxIdleConns).
		Dur("max_lifetime", cfg.DBConnMaxLifetime).
		Msg("db pool configured")

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), bootTimeout)
	err = store.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate database: %v\n", err)
		return exitRuntimeError
	}

	commands := command.NewRegistry()
	svc := schedules.New(store, commands, logger)

	// Metrics listener is optional and runs on its own address.
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	} else {
		logger.Info().Msg("SCHEDCORE_METRICS_ADDR not set; metrics disabled")
	}

	// One Redis client serves both the feature gate and run analytics.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	gate := buildGate(cfg, rdb, logger)

	// The queue backend is mandatory in distributed mode and optional in
	// single mode, where it only carries queue-target dispatches.
	var client *queue.Client
	if cfg.Distributed() || cfg.NATSUrl != "" {
		client, err = queue.Connect(cfg.NATSUrl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to queue: %v\n", err)
			return exitRuntimeError
		}
		setupCtx, cancelSetup := context.WithTimeout(context.Background(), bootTimeout)
		err = client.Setup(setupCtx)
		cancelSetup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to set up queue: %v\n", err)
			return exitRuntimeError
		}
		logger.Info().Str("url", cfg.NATSUrl).Msg("queue connected")
	}

	var enqueuer dispatch.Enqueuer = dispatch.NoQueue{}
	if client != nil {
		enqueuer = client
	}
	disp := dispatch.New(enqueuer, commands)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	bus := events.NewBus(100)
	sinks := events.Fanout{events.NewLogSink(logger)}
	if client != nil {
		sinks = append(sinks, events.NewQueueSink(client, cfg.EventsSubjectPrefix, logger))
	}
	if rdb != nil {
		sinks = append(sinks, analytics.NewRedisSink(rdb, logger))
		logger.Info().Str("redis", cfg.RedisAddr).Msg("run analytics enabled")
	} else {
		logger.Info().Msg("SCHEDCORE_REDIS_ADDR not set; run analytics disabled")
	}

	eventsCtx, cancelEvents := context.WithCancel(context.Background())
	var eventsWg sync.WaitGroup
	eventsWg.Add(1)
	go func() {
		defer eventsWg.Done()
		bus.Run(eventsCtx, sinks)
	}()

	var (
		trigger api.Trigger
		pol     *poller.Poller
		reg     *registrar.Registrar
	)

	switch cfg.RunnerMode {
	case config.ModeSingle:
		locker := pglock.New(db, logger)
		pol = poller.New(
			poller.Config{PollInterval: cfg.PollInterval, BatchSize: cfg.BatchSize},
			store, locker, disp, gate, bus, logger,
		)
		if metricsSink != nil {
			pol = pol.WithMetrics(metricsSink)
		}
		trigger = pol

	case config.ModeDistributed:
		repeatsCtx, cancelRepeats := context.WithTimeout(context.Background(), bootTimeout)
		repeats, repErr := client.Repeats(repeatsCtx)
		cancelRepeats()
		if repErr != nil {
			fmt.Fprintf(os.Stderr, "failed to open repeat registry: %v\n", repErr)
			return exitRuntimeError
		}
		reg = registrar.New(store, repeats, client, logger)
		changeSync := syncer.New(reg, logger)
		if metricsSink != nil {
			changeSync = changeSync.WithMetrics(metricsSink)
		}
		store.OnChange(changeSync.Apply)
		trigger = reg
	}

	// Manifests run after the change observer is attached, so module
	// registrations propagate to the repeat registry as they land.
	if cfg.ManifestDir != "" {
		applyCtx, cancelApply := context.WithTimeout(context.Background(), bootTimeout)
		report, applyErr := manifest.NewApplier(svc, logger).ApplyDir(applyCtx, cfg.ManifestDir)
		cancelApply()
		if applyErr != nil {
			fmt.Fprintf(os.Stderr, "failed to apply manifests: %v\n", applyErr)
			return exitRuntimeError
		}
		logger.Info().
			Str("dir", cfg.ManifestDir).
			Int("registered", report.Registered).
			Int("updated", report.Updated).
			Int("pruned", report.Pruned).
			Msg("manifests applied")
	}

	// Converge the repeat registry with the store once per boot. A
	// failure here is recoverable through POST /api/v1/sync, so it does
	// not abort startup.
	if reg != nil {
		syncCtx, cancelSync := context.WithTimeout(context.Background(), bootTimeout)
		_, syncErr := reg.SyncAll(syncCtx)
		cancelSync()
		if syncErr != nil {
			logger.Error().Err(syncErr).Msg("initial registration sync failed")
		}
	}

	if pol != nil {
		pol.Start()
		logger.Info().
			Dur("interval", cfg.PollInterval).
			Int("batch", cfg.BatchSize).
			Msg("poller started")
	}

	apiHandler := api.NewHandler(svc, trigger, logger).WithHealthChecker(db)
	if client != nil {
		apiHandler = apiHandler.WithQueueHealth(client)
	}
	if reg != nil {
		apiHandler = apiHandler.WithSyncer(reg)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	logger.Info().
		Str("version", version).
		Str("mode", cfg.RunnerMode).
		Msg("schedcore started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: stop accepting API writes.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	cancelHTTP()
	logger.Info().Msg("http server stopped")

	// Phase 2: stop the runner so no new dispatches start.
	if pol != nil {
		pol.Stop()
		logger.Info().Msg("poller stopped")
	}

	// Phase 3: drain buffered run events into the sinks.
	cancelEvents()
	eventsWg.Wait()
	logger.Info().Msg("event fanout drained")

	// Phase 4: close the queue connection.
	if client != nil {
		client.Close()
		logger.Info().Msg("queue connection closed")
	}

	// Phase 5: stop the metrics listener.
	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
		cancelMetrics()
		logger.Info().Msg("metrics server stopped")
	}

	logger.Info().Msg("schedcore stopped")
	return exitSuccess
}

// buildGate picks the feature gate backend from configuration. The
// redis backend requires rdb; Validate guarantees the address is set.
func buildGate(cfg config.Config, rdb *redis.Client, logger zerolog.Logger) feature.Gate {
	switch cfg.FeatureGate {
	case config.GateStatic:
		enabled := cfg.FeatureList()
		logger.Info().Strs("features", enabled).Msg("static feature gate enabled")
		return feature.NewStaticGate(enabled)
	case config.GateRedis:
		logger.Info().Str("redis", cfg.RedisAddr).Msg("redis feature gate enabled")
		return feature.NewRedisGate(rdb)
	default:
		return feature.AllowAll{}
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("schedcore version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
