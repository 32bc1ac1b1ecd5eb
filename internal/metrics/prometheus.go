package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Poller metrics
	cyclesTotal      prometheus.Counter
	cycleErrorsTotal prometheus.Counter
	dueTotal         prometheus.Counter
	cycleDuration    prometheus.Histogram
	lockContention   prometheus.Counter

	// Dispatch metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram

	// Registration sync metrics
	syncFailuresTotal *prometheus.CounterVec

	// Worker metrics
	workerInFlight       prometheus.Gauge
	payloadRejectedTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initPollerMetrics(reg)
	s.initDispatchMetrics(reg)
	s.initWorkerMetrics(reg)
	return s
}

func (s *PrometheusSink) initPollerMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedcore_poller_cycles_total",
		Help: "Total number of poll cycles processed.",
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedcore_poller_cycle_errors_total",
		Help: "Total number of poll cycles that ended with an error.",
	})
	s.dueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedcore_poller_due_total",
		Help: "Total number of due schedules picked up by poll cycles.",
	})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "schedcore_poller_cycle_duration_seconds",
		Help:    "Duration of each poll cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.lockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedcore_lock_contention_total",
		Help: "Total number of runs skipped because another instance held the lock.",
	})

	s.register(reg, s.cyclesTotal, "schedcore_poller_cycles_total")
	s.register(reg, s.cycleErrorsTotal, "schedcore_poller_cycle_errors_total")
	s.register(reg, s.dueTotal, "schedcore_poller_due_total")
	s.register(reg, s.cycleDuration, "schedcore_poller_cycle_duration_seconds")
	s.register(reg, s.lockContention, "schedcore_lock_contention_total")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedcore_dispatch_total",
		Help: "Total number of dispatch attempts by target type and outcome.",
	}, []string{"target", "outcome"})

	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "schedcore_dispatch_duration_seconds",
		Help:    "Dispatch latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.syncFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedcore_sync_failures_total",
		Help: "Total number of registration sync failures by operation.",
	}, []string{"op"})

	s.register(reg, s.dispatchTotal, "schedcore_dispatch_total")
	s.register(reg, s.dispatchDuration, "schedcore_dispatch_duration_seconds")
	s.register(reg, s.syncFailuresTotal, "schedcore_sync_failures_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.workerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "schedcore_worker_in_flight",
		Help: "Number of queue messages currently being processed.",
	})
	s.payloadRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedcore_worker_payload_rejected_total",
		Help: "Total number of queue messages rejected as undecodable.",
	})

	s.register(reg, s.workerInFlight, "schedcore_worker_in_flight")
	s.register(reg, s.payloadRejectedTotal, "schedcore_worker_payload_rejected_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Poller metrics implementation

func (s *PrometheusSink) PollCycleStarted() {
	s.cyclesTotal.Inc()
}

func (s *PrometheusSink) PollCycleCompleted(duration time.Duration, due int, err error) {
	s.cycleDuration.Observe(duration.Seconds())
	s.dueTotal.Add(float64(due))
	if err != nil {
		s.cycleErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) LockContended() {
	s.lockContention.Inc()
}

// Dispatch metrics implementation

func (s *PrometheusSink) DispatchCompleted(target, outcome string, duration time.Duration) {
	s.dispatchTotal.WithLabelValues(target, outcome).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) SyncFailure(op string) {
	s.syncFailuresTotal.WithLabelValues(op).Inc()
}

// Worker metrics implementation

func (s *PrometheusSink) WorkerInFlightIncr() {
	s.workerInFlight.Inc()
}

func (s *PrometheusSink) WorkerInFlightDecr() {
	s.workerInFlight.Dec()
}

func (s *PrometheusSink) WorkerPayloadRejected() {
	s.payloadRejectedTotal.Inc()
}
