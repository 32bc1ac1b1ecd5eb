package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// Publisher is the slice of the queue client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// QueueSink publishes run events to a message subject per event kind,
// e.g. <prefix>.completed. Publish failures are logged and dropped.
type QueueSink struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

func NewQueueSink(pub Publisher, subjectPrefix string, log zerolog.Logger) *QueueSink {
	return &QueueSink{pub: pub, prefix: subjectPrefix, log: log}
}

type runEventWire struct {
	Kind           string    `json:"kind"`
	ScheduleID     string    `json:"schedule_id"`
	ScopeType      string    `json:"scope_type"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	TenantID       *string   `json:"tenant_id,omitempty"`
	TargetType     string    `json:"target_type"`
	Target         string    `json:"target"`
	JobID          string    `json:"job_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
}

func (s *QueueSink) Emit(ctx context.Context, ev domain.RunEvent) {
	wire := runEventWire{
		Kind:       string(ev.Kind),
		ScheduleID: ev.ScheduleID.String(),
		ScopeType:  string(ev.Scope.Type),
		TargetType: string(ev.TargetType),
		Target:     ev.Target,
		JobID:      ev.JobID,
		Reason:     ev.Reason,
		Error:      ev.Error,
		At:         ev.At,
		DurationMS: ev.Duration.Milliseconds(),
	}
	if ev.Scope.OrganizationID != nil {
		v := ev.Scope.OrganizationID.String()
		wire.OrganizationID = &v
	}
	if ev.Scope.TenantID != nil {
		v := ev.Scope.TenantID.String()
		wire.TenantID = &v
	}

	data, err := json.Marshal(wire)
	if err != nil {
		s.log.Warn().Err(err).Msg("events: marshal run event")
		return
	}
	subject := s.prefix + "." + string(ev.Kind)
	if err := s.pub.Publish(ctx, subject, data); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("events: publish run event")
	}
}
