// Package syncer mirrors schedule definition changes from the store
// into the distributed backend's repeat registry. The store is durable
// truth: every registry call here is best-effort, and drift left by a
// failed call is repaired by the next full reconciliation.
package syncer

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/registrar"
)

// Registrar is the slice of the distributed runner the syncer drives.
type Registrar interface {
	Register(ctx context.Context, sched domain.Schedule, opts registrar.RegisterOptions) error
	Unregister(ctx context.Context, id uuid.UUID) error
}

// MetricsSink counts sync failures per operation.
type MetricsSink interface {
	SyncFailure(op string)
}

// Syncer observes schedule writes and keeps the repeat registry in step
// with them. Hang Apply on the store's change hook; it never returns or
// panics an error into the writing caller.
type Syncer struct {
	reg     Registrar
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	metrics MetricsSink // optional, nil = disabled
}

func New(reg Registrar, log zerolog.Logger) *Syncer {
	s := &Syncer{reg: reg, log: log}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "schedule-sync",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("sync breaker state changed")
		},
	})
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Syncer) WithMetrics(m MetricsSink) *Syncer {
	s.metrics = m
	return s
}

// Apply reacts to one committed schedule mutation. Writes that only
// moved run bookkeeping are ignored; definition changes re-register a
// runnable row (reusing its freshly persisted next run) and unregister
// anything disabled or deleted.
func (s *Syncer) Apply(ctx context.Context, before, after *domain.Schedule) {
	if after == nil {
		return
	}
	if before != nil && bookkeepingOnly(*before, *after) {
		return
	}

	if after.Runnable() {
		s.call("register", after.ID, func() error {
			return s.reg.Register(ctx, *after, registrar.RegisterOptions{SkipNextRunUpdate: true})
		})
		return
	}

	s.call("unregister", after.ID, func() error {
		return s.reg.Unregister(ctx, after.ID)
	})
}

// call runs one registry operation behind the breaker. Failures are
// logged and counted, never surfaced to the writer.
func (s *Syncer) call(op string, id uuid.UUID, fn func() error) {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		s.log.Debug().Str("schedule_id", id.String()).Str("op", op).Msg("registry synced")
		return
	}

	if s.metrics != nil {
		s.metrics.SyncFailure(op)
	}
	s.log.Error().Err(err).
		Str("schedule_id", id.String()).
		Str("op", op).
		Msg("registry sync failed, store remains authoritative")
}

// bookkeepingOnly reports whether the write changed nothing beyond
// last_run_at, next_run_at and the update stamps. Those fields move on
// every fire and every audit touch; re-registering for them would churn
// the registry without changing what it fires.
func bookkeepingOnly(before, after domain.Schedule) bool {
	before.LastRunAt, after.LastRunAt = nil, nil
	before.NextRunAt, after.NextRunAt = nil, nil
	before.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	before.UpdatedBy, after.UpdatedBy = nil, nil

	return before.ID == after.ID &&
		before.Scope.Equal(after.Scope) &&
		before.ScheduleType == after.ScheduleType &&
		before.ScheduleValue == after.ScheduleValue &&
		before.Timezone == after.Timezone &&
		before.TargetType == after.TargetType &&
		before.TargetQueue == after.TargetQueue &&
		before.TargetCommand == after.TargetCommand &&
		reflect.DeepEqual(before.TargetPayload, after.TargetPayload) &&
		before.RequireFeature == after.RequireFeature &&
		before.Enabled == after.Enabled &&
		before.SourceType == after.SourceType &&
		before.SourceModule == after.SourceModule &&
		timePtrEqual(before.DeletedAt, after.DeletedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
