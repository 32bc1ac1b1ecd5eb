package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// ErrMalformedPayload marks a fired payload that cannot be decoded into
// a valid Envelope. Such messages are rejected immediately, not retried.
var ErrMalformedPayload = errors.New("malformed fire payload")

// Envelope is the wire payload of one fired occurrence. It carries only
// the schedule id plus the scope triple; the scope is a tamper check
// re-validated against the stored row before any dispatch, never
// trusted on its own.
type Envelope struct {
	ScheduleID     uuid.UUID `json:"scheduleId"`
	TenantID       *string   `json:"tenantId"`
	OrganizationID *string   `json:"organizationId"`
	ScopeType      string    `json:"scopeType"`
}

// EnvelopeFor builds the fire payload for a schedule.
func EnvelopeFor(sched domain.Schedule) Envelope {
	return Envelope{
		ScheduleID:     sched.ID,
		TenantID:       uuidString(sched.Scope.TenantID),
		OrganizationID: uuidString(sched.Scope.OrganizationID),
		ScopeType:      string(sched.Scope.Type),
	}
}

// DecodeEnvelope parses and validates a fired payload. Anything missing
// a schedule id or a scope type is malformed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.ScheduleID == uuid.Nil {
		return Envelope{}, fmt.Errorf("%w: missing scheduleId", ErrMalformedPayload)
	}
	if env.ScopeType == "" {
		return Envelope{}, fmt.Errorf("%w: missing scopeType", ErrMalformedPayload)
	}
	return env, nil
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
