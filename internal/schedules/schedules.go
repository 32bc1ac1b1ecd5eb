// Package schedules is the registration facade over the schedule store.
// Every write path (API, module manifests, admin actions) goes through
// it, so scope, target and recurrence invariants are enforced in one
// place. The store row is authoritative; pushing registrations to the
// distributed backend is the change synchronizer's job, observing the
// same store this facade writes to.
package schedules

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/recurrence"
)

// Store is the persistence surface the facade needs. *postgres.Store
// satisfies it.
type Store interface {
	Create(ctx context.Context, sched domain.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	Update(ctx context.Context, sched domain.Schedule) error
	SoftDelete(ctx context.Context, id uuid.UUID, deletedBy *uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	ListByModule(ctx context.Context, module string) ([]domain.Schedule, error)
	List(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
}

// CommandChecker answers whether a command id is known to the process.
// *command.Registry satisfies it.
type CommandChecker interface {
	Has(name string) bool
}

// Definition is the caller-supplied shape for Register.
type Definition struct {
	// ID is optional; zero means one is generated.
	ID uuid.UUID

	Scope domain.Scope

	ScheduleType  domain.ScheduleType
	ScheduleValue string
	Timezone      string

	TargetType    domain.TargetType
	TargetQueue   string
	TargetCommand string
	TargetPayload map[string]any

	RequireFeature string

	// Enabled defaults to true when nil.
	Enabled *bool

	SourceType   domain.SourceType
	SourceModule string

	ActorID *uuid.UUID
}

// Changes is the partial-update shape for Update. Nil fields are left
// untouched. Scope is absent on purpose: it is immutable after
// registration.
type Changes struct {
	ScheduleType  *domain.ScheduleType
	ScheduleValue *string
	Timezone      *string

	TargetType    *domain.TargetType
	TargetQueue   *string
	TargetCommand *string
	TargetPayload map[string]any

	RequireFeature *string
	Enabled        *bool

	ActorID *uuid.UUID
}

// Service validates and persists schedule definitions.
type Service struct {
	store    Store
	commands CommandChecker
	clock    func() time.Time
	log      zerolog.Logger
}

func New(store Store, commands CommandChecker, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		commands: commands,
		clock:    time.Now,
		log:      log,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Register validates def and persists a new schedule with a freshly
// computed next run.
func (s *Service) Register(ctx context.Context, def Definition) (domain.Schedule, error) {
	now := s.clock().UTC()

	id := def.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	timezone := def.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}
	sourceType := def.SourceType
	if sourceType == "" {
		if def.SourceModule != "" {
			sourceType = domain.SourceModule
		} else {
			sourceType = domain.SourceUser
		}
	}

	sched := domain.Schedule{
		ID:             id,
		Scope:          def.Scope,
		ScheduleType:   def.ScheduleType,
		ScheduleValue:  def.ScheduleValue,
		Timezone:       timezone,
		TargetType:     def.TargetType,
		TargetQueue:    def.TargetQueue,
		TargetCommand:  def.TargetCommand,
		TargetPayload:  def.TargetPayload,
		RequireFeature: def.RequireFeature,
		Enabled:        enabled,
		SourceType:     sourceType,
		SourceModule:   def.SourceModule,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      def.ActorID,
		UpdatedBy:      def.ActorID,
	}

	if err := s.validate(sched); err != nil {
		return domain.Schedule{}, err
	}

	next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
	if !ok {
		return domain.Schedule{}, invalid("recurrence", ErrNextRunImpossible)
	}
	sched.NextRunAt = &next

	if err := s.store.Create(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}

	s.log.Info().
		Str("schedule_id", sched.ID.String()).
		Str("scope", string(sched.Scope.Type)).
		Str("target", sched.Target()).
		Msg("schedule registered")
	return sched, nil
}

// Update applies changes to an existing schedule. Switching targetType
// clears the now-irrelevant target field; nextRunAt is recomputed only
// when a recurrence field actually changed.
func (s *Service) Update(ctx context.Context, id uuid.UUID, changes Changes) (domain.Schedule, error) {
	sched, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}

	recurrenceChanged := false
	if changes.ScheduleType != nil && *changes.ScheduleType != sched.ScheduleType {
		sched.ScheduleType = *changes.ScheduleType
		recurrenceChanged = true
	}
	if changes.ScheduleValue != nil && *changes.ScheduleValue != sched.ScheduleValue {
		sched.ScheduleValue = *changes.ScheduleValue
		recurrenceChanged = true
	}
	if changes.Timezone != nil && *changes.Timezone != sched.Timezone {
		sched.Timezone = *changes.Timezone
		recurrenceChanged = true
	}

	if changes.TargetType != nil && *changes.TargetType != sched.TargetType {
		sched.TargetType = *changes.TargetType
		switch sched.TargetType {
		case domain.TargetQueue:
			sched.TargetCommand = ""
		case domain.TargetCommand:
			sched.TargetQueue = ""
		}
	}
	if changes.TargetQueue != nil {
		sched.TargetQueue = *changes.TargetQueue
	}
	if changes.TargetCommand != nil {
		sched.TargetCommand = *changes.TargetCommand
	}
	if changes.TargetPayload != nil {
		sched.TargetPayload = changes.TargetPayload
	}
	if changes.RequireFeature != nil {
		sched.RequireFeature = *changes.RequireFeature
	}
	if changes.Enabled != nil {
		sched.Enabled = *changes.Enabled
	}

	if err := s.validate(sched); err != nil {
		return domain.Schedule{}, err
	}

	now := s.clock().UTC()
	if recurrenceChanged {
		next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
		if !ok {
			return domain.Schedule{}, invalid("recurrence", ErrNextRunImpossible)
		}
		sched.NextRunAt = &next
	}
	sched.UpdatedAt = now
	sched.UpdatedBy = changes.ActorID

	if err := s.store.Update(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}

	s.log.Info().
		Str("schedule_id", sched.ID.String()).
		Bool("recurrence_changed", recurrenceChanged).
		Msg("schedule updated")
	return sched, nil
}

// Unregister soft-deletes the schedule. Callers that treat a missing
// row as success can ignore sql.ErrNoRows.
func (s *Service) Unregister(ctx context.Context, id uuid.UUID) error {
	if err := s.store.SoftDelete(ctx, id, nil); err != nil {
		return err
	}
	s.log.Info().Str("schedule_id", id.String()).Msg("schedule unregistered")
	return nil
}

// Enable turns the schedule back on and recomputes its next run from
// now, so a long-disabled schedule does not fire immediately for a
// stale occurrence. Enabling an already-enabled schedule is a no-op.
func (s *Service) Enable(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	sched, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sched.Enabled {
		return sched, nil
	}

	now := s.clock().UTC()
	next, ok := recurrence.Next(sched.ScheduleType, sched.ScheduleValue, sched.Timezone, now)
	if !ok {
		return domain.Schedule{}, invalid("recurrence", ErrNextRunImpossible)
	}
	sched.Enabled = true
	sched.NextRunAt = &next
	sched.UpdatedAt = now

	if err := s.store.Update(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}

	s.log.Info().Str("schedule_id", id.String()).Time("next_run_at", next).Msg("schedule enabled")
	return sched, nil
}

// Disable turns the schedule off. The stored nextRunAt is left in
// place; Enable recomputes it. Disabling an already-disabled schedule
// is a no-op.
func (s *Service) Disable(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	sched, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if !sched.Enabled {
		return sched, nil
	}

	sched.Enabled = false
	sched.UpdatedAt = s.clock().UTC()

	if err := s.store.Update(ctx, sched); err != nil {
		return domain.Schedule{}, err
	}

	s.log.Info().Str("schedule_id", id.String()).Msg("schedule disabled")
	return sched, nil
}

// Exists reports whether a live schedule exists for id.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.Exists(ctx, id)
}

// FindByModule returns the live schedules a module registered,
// including disabled ones, so the module can reconcile its manifest.
func (s *Service) FindByModule(ctx context.Context, module string) ([]domain.Schedule, error) {
	return s.store.ListByModule(ctx, module)
}

// Get returns a live schedule by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	return s.store.GetByID(ctx, id)
}

// List returns live schedules for admin listing.
func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	return s.store.List(ctx, limit, offset)
}

func (s *Service) validate(sched domain.Schedule) error {
	if err := sched.Scope.Validate(); err != nil {
		return invalid("scope", err)
	}
	if err := s.validateTarget(sched); err != nil {
		return err
	}
	return validateRecurrenceValue(sched.ScheduleType, sched.ScheduleValue)
}

func (s *Service) validateTarget(sched domain.Schedule) error {
	switch sched.TargetType {
	case domain.TargetQueue:
		if sched.TargetQueue == "" {
			return invalid("targetQueue", ErrQueueNameMissing)
		}
		if sched.TargetCommand != "" {
			return invalid("targetCommand", ErrTargetConflict)
		}
	case domain.TargetCommand:
		if sched.TargetCommand == "" {
			return invalid("targetCommand", ErrCommandNameMissing)
		}
		if sched.TargetQueue != "" {
			return invalid("targetQueue", ErrTargetConflict)
		}
		if !s.commands.Has(sched.TargetCommand) {
			return invalid("targetCommand", ErrCommandUnknown)
		}
	default:
		return invalid("targetType", ErrTargetTypeUnknown)
	}
	return nil
}

func validateRecurrenceValue(typ domain.ScheduleType, value string) error {
	switch typ {
	case domain.ScheduleCron:
		if !recurrence.ValidateCron(value) {
			return invalid("scheduleValue", ErrRecurrenceInvalid)
		}
	case domain.ScheduleInterval:
		if !recurrence.ValidateInterval(value) {
			return invalid("scheduleValue", ErrRecurrenceInvalid)
		}
	default:
		return invalid("scheduleType", ErrScheduleTypeUnknown)
	}
	return nil
}
