// Package registrar maintains the distributed execution backend's
// recurring registrations, exactly one per enabled schedule, keyed by
// schedule id.
package registrar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/queue"
	"github.com/meridiancrm/schedcore/internal/recurrence"
)

// Store is the schedule persistence the registrar syncs from.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	ListActive(ctx context.Context) ([]domain.Schedule, error)
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error
}

// Registry is the backend's repeat registry.
type Registry interface {
	Put(ctx context.Context, entry queue.RepeatEntry) error
	Delete(ctx context.Context, scheduleID string) error
	List(ctx context.Context) ([]queue.RepeatEntry, error)
}

// RegisterOptions tunes a single registration.
type RegisterOptions struct {
	// SkipNextRunUpdate suppresses recomputing and persisting
	// next_run_at when the triggering write already holds a correct
	// value.
	SkipNextRunUpdate bool
}

// SyncReport summarizes one reconciliation pass.
type SyncReport struct {
	Desired    int
	Registered int
	Removed    int
}

// Registrar pushes schedule registrations into the execution backend.
// The store row stays authoritative; everything here is derived state.
type Registrar struct {
	store    Store
	registry Registry
	pub      queue.FirePublisher
	log      zerolog.Logger
	clock    func() time.Time
}

// New creates a registrar.
func New(store Store, registry Registry, pub queue.FirePublisher, log zerolog.Logger) *Registrar {
	return &Registrar{
		store:    store,
		registry: registry,
		pub:      pub,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Registrar) WithClock(clock func() time.Time) *Registrar {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Register creates or replaces the schedule's registration. Disabled or
// deleted schedules are a no-op. Unless suppressed, next_run_at is
// recomputed from now and persisted first, so the row and the
// registration agree on the next fire.
func (r *Registrar) Register(ctx context.Context, sched domain.Schedule, opts RegisterOptions) error {
	if !sched.Runnable() {
		return nil
	}

	now := r.clock().UTC()
	fireAt := sched.NextRunAt
	if !opts.SkipNextRunUpdate {
		next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
		if !ok {
			return fmt.Errorf("schedule %s has no computable next occurrence", sched.ID)
		}
		if err := r.store.UpdateNextRun(ctx, sched.ID, &next); err != nil {
			return fmt.Errorf("persist next run for %s: %w", sched.ID, err)
		}
		fireAt = &next
	}
	if fireAt == nil {
		// The row never got a next run; fire relative to now without
		// rewriting it.
		next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
		if !ok {
			return fmt.Errorf("schedule %s has no computable next occurrence", sched.ID)
		}
		fireAt = &next
	}

	entry := queue.RepeatEntry{
		ScheduleID: sched.ID.String(),
		Timezone:   sched.Timezone,
		Envelope:   queue.EnvelopeFor(sched),
		NextFireAt: *fireAt,
		UpdatedAt:  now,
	}
	switch sched.ScheduleType {
	case domain.ScheduleCron:
		entry.Pattern = sched.ScheduleValue
	case domain.ScheduleInterval:
		d, ok := recurrence.ParseInterval(sched.ScheduleValue)
		if !ok {
			return fmt.Errorf("schedule %s has an invalid interval %q", sched.ID, sched.ScheduleValue)
		}
		entry.EveryMS = d.Milliseconds()
	default:
		return fmt.Errorf("schedule %s has an unknown schedule type %q", sched.ID, sched.ScheduleType)
	}

	if err := r.registry.Put(ctx, entry); err != nil {
		return fmt.Errorf("register schedule %s: %w", sched.ID, err)
	}
	r.log.Debug().Str("schedule_id", entry.ScheduleID).Time("next_fire_at", entry.NextFireAt).Msg("schedule registered")
	return nil
}

// Unregister removes the schedule's registration. A registration that
// does not exist is not an error.
func (r *Registrar) Unregister(ctx context.Context, id uuid.UUID) error {
	if err := r.registry.Delete(ctx, id.String()); err != nil {
		return fmt.Errorf("unregister schedule %s: %w", id, err)
	}
	r.log.Debug().Str("schedule_id", id.String()).Msg("schedule unregistered")
	return nil
}

// SyncAll reconciles the registry against the store: every enabled,
// live row gets a registration and every registration without such a
// row is removed. This is the self-healing pass run at startup and on
// operator demand. Per-schedule failures are logged and skipped so one
// bad entry cannot wedge the pass.
func (r *Registrar) SyncAll(ctx context.Context) (SyncReport, error) {
	rows, err := r.store.ListActive(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list active schedules: %w", err)
	}
	entries, err := r.registry.List(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list registrations: %w", err)
	}

	want := make(map[string]domain.Schedule, len(rows))
	for _, row := range rows {
		want[row.ID.String()] = row
	}
	have := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		have[entry.ScheduleID] = struct{}{}
	}

	report := SyncReport{Desired: len(rows)}
	for id, row := range want {
		if _, ok := have[id]; ok {
			continue
		}
		if err := r.Register(ctx, row, RegisterOptions{SkipNextRunUpdate: true}); err != nil {
			r.log.Error().Err(err).Str("schedule_id", id).Msg("sync register failed")
			continue
		}
		report.Registered++
	}
	for id := range have {
		if _, ok := want[id]; ok {
			continue
		}
		if err := r.registry.Delete(ctx, id); err != nil {
			r.log.Error().Err(err).Str("schedule_id", id).Msg("sync unregister failed")
			continue
		}
		report.Removed++
	}

	r.log.Info().
		Int("desired", report.Desired).
		Int("registered", report.Registered).
		Int("removed", report.Removed).
		Msg("registrations synced")
	return report, nil
}

// FireNow publishes one immediate occurrence for the schedule,
// bypassing its cadence. The worker still applies the disabled and
// feature checks.
func (r *Registrar) FireNow(ctx context.Context, sched domain.Schedule) error {
	if err := r.pub.PublishFire(ctx, queue.EnvelopeFor(sched)); err != nil {
		return fmt.Errorf("fire schedule %s: %w", sched.ID, err)
	}
	return nil
}

// TriggerNow loads the schedule and fires one immediate occurrence.
func (r *Registrar) TriggerNow(ctx context.Context, id uuid.UUID) error {
	sched, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !sched.Runnable() {
		return domain.ErrNotRunnable
	}
	return r.FireNow(ctx, sched)
}
