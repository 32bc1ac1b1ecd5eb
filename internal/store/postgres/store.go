// Package postgres persists schedule definitions and their run
// bookkeeping in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for a primary key collision.
const pgUniqueViolation = "23505"

// ChangeListener observes successful schedule mutations. before is nil
// on create; after reflects the row as persisted, including a set
// deleted_at on unregister. Listeners run synchronously after commit.
type ChangeListener func(ctx context.Context, before, after *domain.Schedule)

// Store implements the schedule persistence used by the facade, the
// runners and the admin API.
type Store struct {
	db        *sql.DB
	clock     func() time.Time
	opTimeout time.Duration
	listeners []ChangeListener
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// WithOpTimeout bounds each store operation with its own deadline.
// Zero disables the bound. Migrate is exempt; callers bound it.
func (s *Store) WithOpTimeout(d time.Duration) *Store {
	s.opTimeout = d
	return s
}

// op derives the per-operation context.
func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// OnChange registers a mutation listener. Call during wiring, before
// the store is shared across goroutines.
func (s *Store) OnChange(fn ChangeListener) {
	if fn != nil {
		s.listeners = append(s.listeners, fn)
	}
}

func (s *Store) notify(ctx context.Context, before, after *domain.Schedule) {
	for _, fn := range s.listeners {
		fn(ctx, before, after)
	}
}

// Create inserts a new schedule row and notifies listeners.
func (s *Store) Create(ctx context.Context, sched domain.Schedule) error {
	payload, err := marshalPayload(sched.TargetPayload)
	if err != nil {
		return err
	}

	opCtx, cancel := s.op(ctx)
	defer cancel()

	after, err := scanSchedule(s.db.QueryRowContext(opCtx, queryInsert,
		sched.ID,
		string(sched.Scope.Type),
		sched.Scope.OrganizationID,
		sched.Scope.TenantID,
		string(sched.ScheduleType),
		sched.ScheduleValue,
		sched.Timezone,
		string(sched.TargetType),
		sched.TargetQueue,
		sched.TargetCommand,
		payload,
		sched.RequireFeature,
		sched.Enabled,
		sched.LastRunAt,
		sched.NextRunAt,
		string(sched.SourceType),
		sched.SourceModule,
		sched.CreatedAt,
		sched.UpdatedAt,
		sched.CreatedBy,
		sched.UpdatedBy,
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return domain.ErrScheduleExists
		}
		return err
	}

	s.notify(ctx, nil, &after)
	return nil
}

// GetByID returns a schedule by its ID. Soft-deleted rows read as
// absent: callers get sql.ErrNoRows.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return scanSchedule(s.db.QueryRowContext(ctx, queryGetByID, id))
}

// Exists reports whether a live (not soft-deleted) row exists for id.
func (s *Store) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, queryExists, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Update rewrites the mutable definition fields of a schedule from
// sched. Scope, creation metadata and last_run_at are never touched.
func (s *Store) Update(ctx context.Context, sched domain.Schedule) error {
	payload, err := marshalPayload(sched.TargetPayload)
	if err != nil {
		return err
	}

	return s.mutate(ctx, sched.ID, queryUpdateDefinition,
		string(sched.ScheduleType),
		sched.ScheduleValue,
		sched.Timezone,
		string(sched.TargetType),
		sched.TargetQueue,
		sched.TargetCommand,
		payload,
		sched.RequireFeature,
		sched.Enabled,
		sched.NextRunAt,
		string(sched.SourceType),
		sched.SourceModule,
		sched.UpdatedAt,
		sched.UpdatedBy,
	)
}

// SoftDelete marks the row deleted. Returns sql.ErrNoRows when the row
// is already deleted or never existed.
func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, deletedBy *uuid.UUID) error {
	return s.mutate(ctx, id, querySoftDelete, s.clock().UTC(), deletedBy)
}

// UpdateRunTimes records a completed run: last_run_at and the freshly
// computed next_run_at together.
func (s *Store) UpdateRunTimes(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error {
	return s.mutate(ctx, id, queryUpdateRunTimes, lastRunAt, nextRunAt, s.clock().UTC())
}

// UpdateNextRun reschedules without marking a run, used after skipped
// and failed fires.
func (s *Store) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	return s.mutate(ctx, id, queryUpdateNextRun, nextRunAt, s.clock().UTC())
}

// UpdateLastRun records a run without rescheduling, used by queue
// workers whose next fire is owned by the repeat registry.
func (s *Store) UpdateLastRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time) error {
	return s.mutate(ctx, id, queryUpdateLastRun, lastRunAt, s.clock().UTC())
}

// ListDue returns enabled schedules whose next_run_at is at or before
// now, soonest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	return s.list(ctx, queryListDue, now, limit)
}

// ListActive returns every enabled, live schedule. This is the desired
// set for a registration sync.
func (s *Store) ListActive(ctx context.Context) ([]domain.Schedule, error) {
	return s.list(ctx, queryListActive)
}

// ListByModule returns live schedules registered by the named module,
// including disabled ones.
func (s *Store) ListByModule(ctx context.Context, module string) ([]domain.Schedule, error) {
	return s.list(ctx, queryListByModule, module)
}

// List returns live schedules for admin listing, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	return s.list(ctx, queryList, limit, offset)
}

// mutate runs an UPDATE that returns the new row, capturing the old row
// first so listeners can diff. The pre-image read locks the row for the
// duration of the transaction.
func (s *Store) mutate(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	opCtx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	before, err := scanSchedule(tx.QueryRowContext(opCtx, querySelectForUpdate, id))
	if err != nil {
		return err
	}

	after, err := scanSchedule(tx.QueryRowContext(opCtx, query, append([]any{id}, args...)...))
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Listeners do their own I/O; they get the caller's context, not
	// the database deadline.
	s.notify(ctx, &before, &after)
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sched domain.Schedule
	var payload []byte

	err := row.Scan(
		&sched.ID,
		&sched.Scope.Type,
		&sched.Scope.OrganizationID,
		&sched.Scope.TenantID,
		&sched.ScheduleType,
		&sched.ScheduleValue,
		&sched.Timezone,
		&sched.TargetType,
		&sched.TargetQueue,
		&sched.TargetCommand,
		&payload,
		&sched.RequireFeature,
		&sched.Enabled,
		&sched.LastRunAt,
		&sched.NextRunAt,
		&sched.SourceType,
		&sched.SourceModule,
		&sched.CreatedAt,
		&sched.UpdatedAt,
		&sched.CreatedBy,
		&sched.UpdatedBy,
		&sched.DeletedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &sched.TargetPayload); err != nil {
			return domain.Schedule{}, err
		}
	}

	return sched, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(payload)
}
