// Package events fans run lifecycle notifications out to interested
// sinks. Emission is observational: it must never block or fail the
// run path, so Emit returns nothing and sinks swallow their own errors.
package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// Emitter receives run lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, ev domain.RunEvent)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Emit(context.Context, domain.RunEvent) {}

// Fanout forwards each event to every sink in order.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev domain.RunEvent) {
	for _, e := range f {
		e.Emit(ctx, ev)
	}
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(_ context.Context, ev domain.RunEvent) {
	entry := s.log.Info()
	if ev.Kind == domain.RunFailed {
		entry = s.log.Warn()
	}
	entry = entry.
		Str("kind", string(ev.Kind)).
		Str("schedule_id", ev.ScheduleID.String()).
		Str("scope", string(ev.Scope.Type)).
		Str("target_type", string(ev.TargetType)).
		Str("target", ev.Target)
	if ev.JobID != "" {
		entry = entry.Str("job_id", ev.JobID)
	}
	if ev.Reason != "" {
		entry = entry.Str("reason", ev.Reason)
	}
	if ev.Error != "" {
		entry = entry.Str("error", ev.Error)
	}
	if ev.Duration > 0 {
		entry = entry.Dur("duration", ev.Duration)
	}
	entry.Msg("schedule run")
}
