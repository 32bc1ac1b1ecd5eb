// Package poller runs the single-instance execution loop: one timer per
// process, querying due schedules and dispatching each under a
// cross-process advisory lock.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/recurrence"
)

// Store is the schedule persistence the poller reads due work from and
// writes run bookkeeping back to.
type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error
}

// Locker provides cross-process mutual exclusion per schedule.
type Locker interface {
	TryLock(ctx context.Context, key string) bool
	Unlock(ctx context.Context, key string)
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

// MetricsSink observes poll cycles.
type MetricsSink interface {
	PollCycleStarted()
	PollCycleCompleted(duration time.Duration, due int, err error)
	LockContended()
}

const (
	DefaultPollInterval = time.Minute
	DefaultBatchSize    = 100
)

// Config bounds the loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Poller owns the single-instance timer loop. Construct one per
// process; there is no package-level state.
type Poller struct {
	cfg        Config
	store      Store
	locker     Locker
	dispatcher Dispatcher
	gate       FeatureGate
	emitter    Emitter
	log        zerolog.Logger
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a poller. Zero config fields fall back to defaults.
func New(cfg Config, store Store, locker Locker, dispatcher Dispatcher, gate FeatureGate, emitter Emitter, log zerolog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Poller{
		cfg:        cfg,
		store:      store,
		locker:     locker,
		dispatcher: dispatcher,
		gate:       gate,
		emitter:    emitter,
		log:        log,
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (p *Poller) WithMetrics(m MetricsSink) *Poller {
	p.metrics = m
	return p
}

// WithClock overrides the time source, for tests.
func (p *Poller) WithClock(clock func() time.Time) *Poller {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Start launches the poll loop. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
	p.log.Info().Dur("poll_interval", p.cfg.PollInterval).Int("batch_size", p.cfg.BatchSize).Msg("poller started")
}

// Stop halts the timer and waits for an in-progress cycle to finish.
// The cycle is not cancelled; a stopped poller simply schedules no
// further cycles.
func (p *Poller) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	p.log.Info().Msg("poller stopped")
}

func (p *Poller) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.runCycle(context.Background())
		}
	}
}

// TriggerNow runs one schedule immediately, outside its cadence, under
// the same lock, gate and bookkeeping rules as a timed fire.
func (p *Poller) TriggerNow(ctx context.Context, id uuid.UUID) error {
	sched, err := p.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !sched.Runnable() {
		return domain.ErrNotRunnable
	}
	p.runOne(ctx, sched)
	return nil
}

// runCycle processes one batch of due schedules sequentially. Errors
// never escape; a broken cycle is logged and the next tick retries.
func (p *Poller) runCycle(ctx context.Context) {
	started := time.Now()
	if p.metrics != nil {
		p.metrics.PollCycleStarted()
	}

	due, err := p.store.ListDue(ctx, p.clock().UTC(), p.cfg.BatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("due query failed")
		if p.metrics != nil {
			p.metrics.PollCycleCompleted(time.Since(started), 0, err)
		}
		return
	}

	for _, sched := range due {
		p.runOne(ctx, sched)
	}

	if p.metrics != nil {
		p.metrics.PollCycleCompleted(time.Since(started), len(due), nil)
	}
	if len(due) > 0 {
		p.log.Debug().Int("due", len(due)).Msg("cycle completed")
	}
}

// runOne executes a single schedule: lock, gate, dispatch, re-fetch,
// persist bookkeeping, emit. The lock is released on every path.
func (p *Poller) runOne(ctx context.Context, sched domain.Schedule) {
	key := lockKey(sched.ID)
	if !p.locker.TryLock(ctx, key) {
		if p.metrics != nil {
			p.metrics.LockContended()
		}
		p.log.Debug().Str("schedule_id", sched.ID.String()).Msg("lock contended, skipping")
		return
	}
	defer p.locker.Unlock(ctx, key)

	if sched.RequireFeature != "" {
		ok, err := p.gate.HasFeature(ctx, sched.Scope, sched.RequireFeature)
		if err != nil {
			// An unreachable gate reads as unmet; the schedule keeps
			// its cadence and retries next occurrence.
			p.log.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("feature check failed")
			ok = false
		}
		if !ok {
			p.emit(ctx, sched, domain.RunEvent{Kind: domain.RunSkipped, Reason: domain.SkipReasonFeatureUnmet})
			p.reschedule(ctx, sched)
			return
		}
	}

	started := time.Now()
	res, execErr := p.dispatcher.Execute(ctx, sched, dispatch.Options{})

	// Re-fetch so bookkeeping lands on the current definition, not the
	// one read at the start of the cycle.
	if fresh, err := p.store.GetByID(ctx, sched.ID); err == nil {
		sched = fresh
	} else {
		p.log.Warn().Err(err).Str("schedule_id", sched.ID.String()).Msg("re-fetch after dispatch failed")
		p.emitOutcome(ctx, sched, res, execErr, time.Since(started))
		return
	}

	now := p.clock().UTC()
	nextAt := p.nextRun(sched, now)

	if execErr != nil {
		// A failing schedule keeps its cadence.
		if err := p.store.UpdateNextRun(ctx, sched.ID, nextAt); err != nil {
			p.log.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("reschedule after failure failed")
		}
		p.emitOutcome(ctx, sched, res, execErr, time.Since(started))
		return
	}

	if err := p.store.UpdateRunTimes(ctx, sched.ID, now, nextAt); err != nil {
		p.log.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("run bookkeeping failed")
	}
	p.emitOutcome(ctx, sched, res, nil, time.Since(started))
}

// reschedule recomputes next_run_at from now without marking a run.
func (p *Poller) reschedule(ctx context.Context, sched domain.Schedule) {
	nextAt := p.nextRun(sched, p.clock().UTC())
	if err := p.store.UpdateNextRun(ctx, sched.ID, nextAt); err != nil {
		p.log.Error().Err(err).Str("schedule_id", sched.ID.String()).Msg("reschedule failed")
	}
}

func (p *Poller) nextRun(sched domain.Schedule, now time.Time) *time.Time {
	next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
	if !ok {
		return nil
	}
	return &next
}

func (p *Poller) emitOutcome(ctx context.Context, sched domain.Schedule, res dispatch.Result, execErr error, took time.Duration) {
	ev := domain.RunEvent{Duration: took}
	if execErr != nil {
		ev.Kind = domain.RunFailed
		ev.Error = execErr.Error()
	} else {
		ev.Kind = domain.RunCompleted
		ev.JobID = res.JobID
	}
	p.emit(ctx, sched, ev)
}

func (p *Poller) emit(ctx context.Context, sched domain.Schedule, ev domain.RunEvent) {
	ev.ScheduleID = sched.ID
	ev.Scope = sched.Scope
	ev.TargetType = sched.TargetType
	ev.Target = sched.Target()
	ev.At = p.clock().UTC()
	p.emitter.Emit(ctx, ev)
}

func lockKey(id uuid.UUID) string {
	return "schedule:" + id.String()
}
