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

	"github.com/meridiancrm/schedcore/internal/analytics"
	"github.com/meridiancrm/schedcore/internal/command"
	"github.com/meridiancrm/schedcore/internal/config"
	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/events"
	"github.com/meridiancrm/schedcore/internal/feature"
	"github.com/meridiancrm/schedcore/internal/logging"
	"github.com/meridiancrm/schedcore/internal/metrics"
	"github.com/meridiancrm/schedcore/internal/queue"
	"github.com/meridiancrm/schedcore/internal/store/postgres"
	"github.com/meridiancrm/schedcore/internal/worker"

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

// bootTimeout bounds one-shot startup operations against the queue.
const bootTimeout = 30 * time.Second

// The worker is the distributed data plane: the repeat ticker fires due
// occurrences and the consumer loop executes them. It shares the
// control plane's configuration but needs the queue unconditionally.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitInvalidConfig)
	}
	if cfg.NATSUrl == "" {
		fmt.Fprintln(os.Stderr, "configuration error: SCHEDCORE_NATS_URL: required for the worker")
		os.Exit(exitInvalidConfig)
	}

	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	logger := logging.New("worker", cfg.LogLevel, cfg.LogPretty)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db).WithOpTimeout(cfg.DBOpTimeout)
	commands := command.NewRegistry()

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
	}

	// One Redis client serves both the feature gate and run analytics.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var gate feature.Gate = feature.AllowAll{}
	switch cfg.FeatureGate {
	case config.GateStatic:
		gate = feature.NewStaticGate(cfg.FeatureList())
	case config.GateRedis:
		gate = feature.NewRedisGate(rdb)
	}

	client, err := queue.Connect(cfg.NATSUrl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to queue: %v\n", err)
		return exitRuntimeError
	}

	// Setup converges on the same stream and bucket configuration, so
	// the worker can boot before the control plane.
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), bootTimeout)
	err = client.Setup(setupCtx)
	cancelSetup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up queue: %v\n", err)
		return exitRuntimeError
	}

	repeatsCtx, cancelRepeats := context.WithTimeout(context.Background(), bootTimeout)
	repeats, err := client.Repeats(repeatsCtx)
	cancelRepeats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open repeat registry: %v\n", err)
		return exitRuntimeError
	}

	consumerCtx, cancelConsumer := context.WithTimeout(context.Background(), bootTimeout)
	consumer, err := client.WorkerConsumer(consumerCtx)
	cancelConsumer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create consumer: %v\n", err)
		return exitRuntimeError
	}

	disp := dispatch.New(client, commands)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	bus := events.NewBus(100)
	sinks := events.Fanout{
		events.NewLogSink(logger),
		events.NewQueueSink(client, cfg.EventsSubjectPrefix, logger),
	}
	if rdb != nil {
		sinks = append(sinks, analytics.NewRedisSink(rdb, logger))
	}

	eventsCtx, cancelEvents := context.WithCancel(context.Background())
	var eventsWg sync.WaitGroup
	eventsWg.Add(1)
	go func() {
		defer eventsWg.Done()
		bus.Run(eventsCtx, sinks)
	}()

	ticker := queue.NewRepeatTicker(repeats, client, cfg.TickInterval, logger)
	w := worker.New(
		worker.Config{Concurrency: cfg.WorkerConcurrency},
		store, disp, gate, bus, consumer, logger,
	)
	if metricsSink != nil {
		w = w.WithMetrics(metricsSink)
	}

	ticker.Start()
	w.Start()

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Dur("tick", cfg.TickInterval).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: stop firing new occurrences.
	ticker.Stop()
	logger.Info().Msg("repeat ticker stopped")

	// Phase 2: finish in-flight occurrences.
	w.Stop()
	logger.Info().Msg("worker stopped")

	// Phase 3: drain buffered run events into the sinks.
	cancelEvents()
	eventsWg.Wait()
	logger.Info().Msg("event fanout drained")

	// Phase 4: close the queue connection.
	client.Close()
	logger.Info().Msg("queue connection closed")

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(metricsCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
		cancelMetrics()
		logger.Info().Msg("metrics server stopped")
	}

	logger.Info().Msg("worker exited")
	return exitSuccess
}
