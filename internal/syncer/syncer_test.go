package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/metrics"
	"github.com/meridiancrm/schedcore/internal/registrar"
)

// *registrar.Registrar must keep satisfying the sync interface the
// mock below mirrors.
var (
	_ Registrar   = (*registrar.Registrar)(nil)
	_ MetricsSink = (*metrics.PrometheusSink)(nil)
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type mockRegistrar struct {
	mu           sync.Mutex
	registered   []domain.Schedule
	opts         []registrar.RegisterOptions
	unregistered []uuid.UUID
	err          error
}

func (m *mockRegistrar) Register(_ context.Context, sched domain.Schedule, opts registrar.RegisterOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, sched)
	m.opts = append(m.opts, opts)
	return m.err
}

func (m *mockRegistrar) Unregister(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, id)
	return m.err
}

func (m *mockRegistrar) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registered) + len(m.unregistered)
}

type mockMetrics struct {
	mu       sync.Mutex
	failures map[string]int
}

func (m *mockMetrics) SyncFailure(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[op]++
}

func enabledSchedule() domain.Schedule {
	return domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeSystem},
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "30m",
		TargetType:    domain.TargetQueue,
		TargetQueue:   "emails.outbound",
		Enabled:       true,
		UpdatedAt:     testNow,
	}
}

func TestApply_BookkeepingOnlyWriteIsIgnored(t *testing.T) {
	reg := &mockRegistrar{}
	s := New(reg, zerolog.Nop())

	before := enabledSchedule()
	after := before
	ran := testNow
	after.LastRunAt = &ran
	next := testNow.Add(30 * time.Minute)
	after.NextRunAt = &next
	after.UpdatedAt = testNow.Add(time.Second)
	actor := uuid.New()
	after.UpdatedBy = &actor

	s.Apply(context.Background(), &before, &after)

	if got := reg.calls(); got != 0 {
		t.Errorf("registry calls = %d, want 0 for a bookkeeping-only write", got)
	}
}

func TestApply_DefinitionChangeRegistersOnce(t *testing.T) {
	reg := &mockRegistrar{}
	s := New(reg, zerolog.Nop())

	before := enabledSchedule()
	after := before
	after.ScheduleValue = "45m"
	ran := testNow
	after.LastRunAt = &ran
	after.UpdatedAt = testNow.Add(time.Second)

	s.Apply(context.Background(), &before, &after)

	if len(reg.registered) != 1 || len(reg.unregistered) != 0 {
		t.Fatalf("calls = %d register / %d unregister, want exactly one register",
			len(reg.registered), len(reg.unregistered))
	}
	if reg.registered[0].ScheduleValue != "45m" {
		t.Errorf("registered value = %q, want the new definition", reg.registered[0].ScheduleValue)
	}
	if !reg.opts[0].SkipNextRunUpdate {
		t.Error("sync-triggered registration must not recompute next_run_at")
	}
}

func TestApply_CreateRegisters(t *testing.T) {
	reg := &mockRegistrar{}
	s := New(reg, zerolog.Nop())

	after := enabledSchedule()
	s.Apply(context.Background(), nil, &after)

	if len(reg.registered) != 1 {
		t.Fatalf("register calls = %d, want 1", len(reg.registered))
	}
}

func TestApply_DisableUnregisters(t *testing.T) {
	reg := &mockRegistrar{}
	s := New(reg, zerolog.Nop())

	before := enabledSchedule()
	after := before
	after.Enabled = false

	s.Apply(context.Background(), &before, &after)

	if len(reg.unregistered) != 1 || reg.unregistered[0] != after.ID {
		t.Fatalf("unregistered = %v, want exactly [%s]", reg.unregistered, after.ID)
	}
	if len(reg.registered) != 0 {
		t.Error("a disable must not also register")
	}
}

func TestApply_SoftDeleteUnregisters(t *testing.T) {
	reg := &mockRegistrar{}
	s := New(reg, zerolog.Nop())

	before := enabledSchedule()
	after := before
	deleted := testNow
	after.DeletedAt = &deleted

	s.Apply(context.Background(), &before, &after)

	if len(reg.unregistered) != 1 {
		t.Fatalf("unregister calls = %d, want 1", len(reg.unregistered))
	}
}

func TestApply_RegistryFailureIsSwallowed(t *testing.T) {
	reg := &mockRegistrar{err: errors.New("backend down")}
	metrics := &mockMetrics{}
	s := New(reg, zerolog.Nop()).WithMetrics(metrics)

	after := enabledSchedule()
	s.Apply(context.Background(), nil, &after)

	if metrics.failures["register"] != 1 {
		t.Errorf("failure metric = %v, want one register failure", metrics.failures)
	}
}

func TestApply_BreakerShortCircuitsAfterConsecutiveFailures(t *testing.T) {
	reg := &mockRegistrar{err: errors.New("backend down")}
	metrics := &mockMetrics{}
	s := New(reg, zerolog.Nop()).WithMetrics(metrics)

	after := enabledSchedule()
	for i := 0; i < 6; i++ {
		s.Apply(context.Background(), nil, &after)
	}
	if got := reg.calls(); got != 6 {
		t.Fatalf("registry calls before trip = %d, want 6", got)
	}

	s.Apply(context.Background(), nil, &after)

	if got := reg.calls(); got != 6 {
		t.Errorf("registry calls after trip = %d, want the breaker to stop the 7th", got)
	}
	if metrics.failures["register"] != 7 {
		t.Errorf("failure metric = %d, want every attempt counted", metrics.failures["register"])
	}
}
