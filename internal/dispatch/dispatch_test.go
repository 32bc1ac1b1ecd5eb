package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/command"
	"github.com/meridiancrm/schedcore/internal/domain"
)

type mockEnqueuer struct {
	queue   string
	payload map[string]any
	jobID   string
	err     error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, queue string, payload map[string]any) (string, error) {
	m.queue = queue
	m.payload = payload
	return m.jobID, m.err
}

type mockRunner struct {
	name string
	ec   command.ExecutionContext
	err  error
}

func (m *mockRunner) Execute(_ context.Context, name string, ec command.ExecutionContext) error {
	m.name = name
	m.ec = ec
	return m.err
}

func TestExecute_QueueTarget(t *testing.T) {
	enq := &mockEnqueuer{jobID: "job-42"}
	d := New(enq, &mockRunner{})

	sched := domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeSystem},
		TargetType:    domain.TargetQueue,
		TargetQueue:   "emails.outbound",
		TargetPayload: map[string]any{"template": "digest"},
	}

	res, err := d.Execute(context.Background(), sched, Options{})
	if err != nil {
		t.Fatalf("Execute returned %v", err)
	}
	if res.JobID != "job-42" {
		t.Errorf("JobID = %q, want job-42", res.JobID)
	}
	if enq.queue != "emails.outbound" {
		t.Errorf("queue = %q, want emails.outbound", enq.queue)
	}
	if enq.payload["template"] != "digest" {
		t.Errorf("payload = %v, want the schedule payload forwarded", enq.payload)
	}
	if _, ok := enq.payload["idempotencyKey"]; ok {
		t.Error("no token requested, payload should not carry idempotencyKey")
	}
}

func TestExecute_QueueTargetWithToken(t *testing.T) {
	enq := &mockEnqueuer{jobID: "job-1"}
	d := New(enq, &mockRunner{})

	original := map[string]any{"template": "digest"}
	sched := domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeSystem},
		TargetType:    domain.TargetQueue,
		TargetQueue:   "emails.outbound",
		TargetPayload: original,
	}

	_, err := d.Execute(context.Background(), sched, Options{IdempotencyToken: "tok-abc"})
	if err != nil {
		t.Fatalf("Execute returned %v", err)
	}
	if enq.payload["idempotencyKey"] != "tok-abc" {
		t.Errorf("payload idempotencyKey = %v, want tok-abc", enq.payload["idempotencyKey"])
	}
	if _, ok := original["idempotencyKey"]; ok {
		t.Error("the schedule's stored payload must not be mutated")
	}
}

func TestExecute_CommandTarget(t *testing.T) {
	runner := &mockRunner{}
	d := New(&mockEnqueuer{}, runner)

	tenantID := uuid.New()
	sched := domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeTenant, TenantID: &tenantID},
		TargetType:    domain.TargetCommand,
		TargetCommand: "reports.rollup",
		TargetPayload: map[string]any{"window": "daily"},
	}

	if _, err := d.Execute(context.Background(), sched, Options{}); err != nil {
		t.Fatalf("Execute returned %v", err)
	}
	if runner.name != "reports.rollup" {
		t.Errorf("command = %q, want reports.rollup", runner.name)
	}
	if runner.ec.UserID != nil {
		t.Error("scheduled command runs must carry no user identity")
	}
	if runner.ec.Scope.TenantID == nil || *runner.ec.Scope.TenantID != tenantID {
		t.Errorf("command context scope = %+v, want the schedule's scope", runner.ec.Scope)
	}
	if runner.ec.Input["window"] != "daily" {
		t.Errorf("command input = %v, want the schedule payload", runner.ec.Input)
	}
}

func TestExecute_CommandErrorPropagates(t *testing.T) {
	boom := errors.New("handler failed")
	d := New(&mockEnqueuer{}, &mockRunner{err: boom})

	sched := domain.Schedule{
		Scope:         domain.Scope{Type: domain.ScopeSystem},
		TargetType:    domain.TargetCommand,
		TargetCommand: "reports.rollup",
	}

	if _, err := d.Execute(context.Background(), sched, Options{}); !errors.Is(err, boom) {
		t.Fatalf("Execute returned %v, want the handler error", err)
	}
}

func TestExecute_UnknownTargetType(t *testing.T) {
	d := New(&mockEnqueuer{}, &mockRunner{})

	sched := domain.Schedule{
		Scope:      domain.Scope{Type: domain.ScopeSystem},
		TargetType: "webhook",
	}

	if _, err := d.Execute(context.Background(), sched, Options{}); err == nil {
		t.Fatal("Execute should fail on an unknown target type")
	}
}

func TestExecute_NoQueueBackendFailsQueueTargets(t *testing.T) {
	d := New(NoQueue{}, &mockRunner{})

	sched := domain.Schedule{
		ID:          uuid.New(),
		Scope:       domain.Scope{Type: domain.ScopeSystem},
		TargetType:  domain.TargetQueue,
		TargetQueue: "emails.outbound",
	}
	if _, err := d.Execute(context.Background(), sched, Options{}); err == nil {
		t.Error("queue target without a backend should fail")
	}

	runner := &mockRunner{}
	d = New(NoQueue{}, runner)
	sched.TargetType = domain.TargetCommand
	sched.TargetQueue = ""
	sched.TargetCommand = "billing.rollup"
	if _, err := d.Execute(context.Background(), sched, Options{}); err != nil {
		t.Errorf("command target should not need a queue backend, got %v", err)
	}
	if runner.name != "billing.rollup" {
		t.Errorf("command executed = %q, want billing.rollup", runner.name)
	}
}

func TestIdempotencyToken_Deterministic(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if IdempotencyToken(id, at) != IdempotencyToken(id, at) {
		t.Error("same schedule and instant should produce the same token")
	}
	if IdempotencyToken(id, at) == IdempotencyToken(id, at.Add(time.Second)) {
		t.Error("different instants should produce different tokens")
	}
	if IdempotencyToken(id, at) == IdempotencyToken(uuid.New(), at) {
		t.Error("different schedules should produce different tokens")
	}
	if len(IdempotencyToken(id, at)) != 64 {
		t.Error("token should be a hex-encoded sha256")
	}
}
