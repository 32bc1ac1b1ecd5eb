// Package worker consumes fired occurrences from the execution backend,
// re-validates them against the store and dispatches their targets.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/queue"
)

// ErrScopeMismatch marks drift between a payload's scope triple and the
// stored row. It is the one error this package lets escape to the
// backend's failure policy; scope must never change between enqueue
// time and execution time.
var ErrScopeMismatch = errors.New("scope mismatch between payload and stored schedule")

// Store is the schedule persistence the worker re-reads rows from.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	UpdateLastRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time) error
}

// Dispatcher executes a schedule's target.
type Dispatcher interface {
	Execute(ctx context.Context, sched domain.Schedule, opts dispatch.Options) (dispatch.Result, error)
}

// FeatureGate answers entitlement checks before dispatch.
type FeatureGate interface {
	HasFeature(ctx context.Context, scope domain.Scope, feature string) (bool, error)
}

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev domain.RunEvent)
}

// Fetcher pulls fired occurrences from the backend.
type Fetcher interface {
	Fetch(count int) ([]queue.Message, error)
}

// MetricsSink observes worker activity.
type MetricsSink interface {
	WorkerInFlightIncr()
	WorkerInFlightDecr()
	WorkerPayloadRejected()
}

const DefaultConcurrency = 5

// Config bounds the consume loop.
type Config struct {
	// Concurrency caps simultaneous invocations.
	Concurrency int
	// FetchBatch is the pull size per round; defaults to Concurrency.
	FetchBatch int
}

// Worker is one stateless occurrence handler plus the loop feeding it.
type Worker struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	gate       FeatureGate
	emitter    Emitter
	fetcher    Fetcher
	log        zerolog.Logger
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a worker. Zero config fields fall back to defaults.
func New(cfg Config, store Store, dispatcher Dispatcher, gate FeatureGate, emitter Emitter, fetcher Fetcher, log zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = cfg.Concurrency
	}
	return &Worker{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		gate:       gate,
		emitter:    emitter,
		fetcher:    fetcher,
		log:        log,
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (w *Worker) WithMetrics(m MetricsSink) *Worker {
	w.metrics = m
	return w
}

// WithClock overrides the time source, for tests.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	if clock != nil {
		w.clock = clock
	}
	return w
}

// Start launches the consume loop. Starting a running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("worker started")
}

// Stop halts fetching and waits for in-flight occurrences to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.log.Info().Msg("worker stopped")
}

func (w *Worker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	defer g.Wait()

	for {
		select {
		case <-stop:
			return
		default:
		}

		msgs, err := w.fetcher.Fetch(w.cfg.FetchBatch)
		if err != nil {
			w.log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			msg := msg
			g.Go(func() error {
				w.handleMessage(context.Background(), msg)
				return nil
			})
		}
	}
}

// handleMessage decodes one message and maps the handler verdict onto
// the backend: malformed payloads are dropped permanently, propagated
// errors ask for redelivery, everything else acknowledges.
func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) {
	if w.metrics != nil {
		w.metrics.WorkerInFlightIncr()
		defer w.metrics.WorkerInFlightDecr()
	}

	env, err := queue.DecodeEnvelope(msg.Data())
	if err != nil {
		if w.metrics != nil {
			w.metrics.WorkerPayloadRejected()
		}
		w.log.Warn().Err(err).Msg("rejecting malformed payload")
		if err := msg.Term(); err != nil {
			w.log.Warn().Err(err).Msg("term failed")
		}
		return
	}

	if err := w.HandleEnvelope(ctx, env); err != nil {
		w.log.Error().Err(err).Str("schedule_id", env.ScheduleID.String()).Msg("occurrence failed")
		if err := msg.Nak(); err != nil {
			w.log.Warn().Err(err).Msg("nak failed")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.log.Warn().Err(err).Str("schedule_id", env.ScheduleID.String()).Msg("ack failed")
	}
}

// HandleEnvelope processes one fired occurrence. A vanished schedule
// returns silently; a scope mismatch returns ErrScopeMismatch before
// any dispatch; execution failures are reported via events and
// swallowed so the occurrence is not redelivered, since the repeat
// registry already owns the next fire.
func (w *Worker) HandleEnvelope(ctx context.Context, env queue.Envelope) error {
	sched, err := w.store.GetByID(ctx, env.ScheduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.log.Debug().Str("schedule_id", env.ScheduleID.String()).Msg("schedule gone, dropping occurrence")
			return nil
		}
		return fmt.Errorf("load schedule %s: %w", env.ScheduleID, err)
	}

	if err := checkScope(env, sched); err != nil {
		return err
	}

	if !sched.Runnable() {
		w.emit(ctx, sched, domain.RunEvent{Kind: domain.RunSkipped, Reason: domain.SkipReasonDisabled})
		return nil
	}

	w.emit(ctx, sched, domain.RunEvent{Kind: domain.RunStarted})

	if sched.RequireFeature != "" {
		ok, err := w.gate.HasFeature(ctx, sched.Scope, sched.RequireFeature)
		if err != nil {
			w.log.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("feature check failed")
			ok = false
		}
		if !ok {
			// Re-registration, not this worker, owns future scheduling.
			w.emit(ctx, sched, domain.RunEvent{Kind: domain.RunSkipped, Reason: domain.SkipReasonFeatureUnmet})
			return nil
		}
	}

	firedAt := w.clock().UTC()
	started := time.Now()
	res, execErr := w.dispatcher.Execute(ctx, sched, dispatch.Options{
		IdempotencyToken: dispatch.IdempotencyToken(sched.ID, firedAt),
	})
	if execErr != nil {
		w.log.Error().Err(execErr).Str("schedule_id", sched.ID.String()).Msg("dispatch failed")
		w.emit(ctx, sched, domain.RunEvent{Kind: domain.RunFailed, Error: execErr.Error(), Duration: time.Since(started)})
		return nil
	}

	if err := w.store.UpdateLastRun(ctx, sched.ID, firedAt); err != nil {
		// The run happened; a lost bookkeeping write must not trigger a
		// redelivery and a second dispatch.
		w.log.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("last run bookkeeping failed")
	}

	w.emit(ctx, sched, domain.RunEvent{Kind: domain.RunCompleted, JobID: res.JobID, Duration: time.Since(started)})
	return nil
}

// checkScope compares the payload's scope triple to the stored row
// field by field.
func checkScope(env queue.Envelope, sched domain.Schedule) error {
	want := queue.EnvelopeFor(sched)
	if env.ScopeType != want.ScopeType {
		return fmt.Errorf("%w: scopeType %q != %q", ErrScopeMismatch, env.ScopeType, want.ScopeType)
	}
	if !strPtrEqual(env.TenantID, want.TenantID) {
		return fmt.Errorf("%w: tenantId %s != %s", ErrScopeMismatch, strPtrOrNull(env.TenantID), strPtrOrNull(want.TenantID))
	}
	if !strPtrEqual(env.OrganizationID, want.OrganizationID) {
		return fmt.Errorf("%w: organizationId %s != %s", ErrScopeMismatch, strPtrOrNull(env.OrganizationID), strPtrOrNull(want.OrganizationID))
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, sched domain.Schedule, ev domain.RunEvent) {
	ev.ScheduleID = sched.ID
	ev.Scope = sched.Scope
	ev.TargetType = sched.TargetType
	ev.Target = sched.Target()
	ev.At = w.clock().UTC()
	w.emitter.Emit(ctx, ev)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrOrNull(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}
