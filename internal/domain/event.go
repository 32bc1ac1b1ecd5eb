package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunEventKind string

const (
	RunStarted   RunEventKind = "started"
	RunCompleted RunEventKind = "completed"
	RunFailed    RunEventKind = "failed"
	RunSkipped   RunEventKind = "skipped"
)

// Skip reasons carried on RunSkipped events.
const (
	SkipReasonDisabled     = "disabled"
	SkipReasonFeatureUnmet = "feature_unmet"
)

// RunEvent is a fire-and-forget lifecycle notification emitted around
// schedule execution.
type RunEvent struct {
	Kind       RunEventKind
	ScheduleID uuid.UUID
	Scope      Scope

	TargetType TargetType
	Target     string

	// JobID is set on completed queue-target runs.
	JobID string

	// Reason is set on skipped events (e.g. "disabled", "feature_unmet").
	Reason string

	// Error is set on failed events.
	Error string

	At       time.Time
	Duration time.Duration
}
