package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotRunnable rejects an explicit trigger of a schedule that is
// disabled or soft-deleted.
var ErrNotRunnable = errors.New("schedule is disabled or deleted")

// ErrScheduleExists rejects a registration whose pinned id collided
// with a live row. Callers registering with fixed ids race on boot;
// the loser must observe the collision, not a driver error.
var ErrScheduleExists = errors.New("schedule id already exists")

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

type TargetType string

const (
	TargetQueue   TargetType = "queue"
	TargetCommand TargetType = "command"
)

type SourceType string

const (
	SourceUser   SourceType = "user"
	SourceModule SourceType = "module"
)

// Schedule is a persisted definition of recurring work.
//
// NextRunAt and LastRunAt are runtime bookkeeping owned by the runners;
// every other field is owned by the registering caller. NextRunAt is
// always derived, never user-supplied.
type Schedule struct {
	ID uuid.UUID

	Scope Scope

	ScheduleType  ScheduleType
	ScheduleValue string
	Timezone      string // IANA name, defaults to UTC; ignored for interval recurrence

	TargetType    TargetType
	TargetQueue   string
	TargetCommand string
	TargetPayload map[string]any

	RequireFeature string

	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time

	SourceType   SourceType
	SourceModule string

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy *uuid.UUID
	UpdatedBy *uuid.UUID
	DeletedAt *time.Time
}

// Deleted reports whether the schedule has been soft-deleted.
func (s Schedule) Deleted() bool {
	return s.DeletedAt != nil
}

// Runnable reports whether either runner should consider the schedule.
func (s Schedule) Runnable() bool {
	return s.Enabled && s.DeletedAt == nil
}

// Target returns the populated target name for the schedule's target type.
func (s Schedule) Target() string {
	if s.TargetType == TargetCommand {
		return s.TargetCommand
	}
	return s.TargetQueue
}
