package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/events"
	"github.com/meridiancrm/schedcore/internal/feature"
	"github.com/meridiancrm/schedcore/internal/metrics"
	"github.com/meridiancrm/schedcore/internal/queue"
	"github.com/meridiancrm/schedcore/internal/store/postgres"
)

// The real implementations must keep satisfying the worker's dependency
// interfaces; the mocks below only mirror them.
var (
	_ Store       = (*postgres.Store)(nil)
	_ Dispatcher  = (*dispatch.Dispatcher)(nil)
	_ FeatureGate = (*feature.StaticGate)(nil)
	_ Emitter     = (*events.Bus)(nil)
	_ Fetcher     = (*queue.Consumer)(nil)
	_ MetricsSink = (*metrics.PrometheusSink)(nil)
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]domain.Schedule
	lastRuns map[uuid.UUID]time.Time
	getErr   error
}

func newMockStore(scheds ...domain.Schedule) *mockStore {
	m := &mockStore{
		rows:     make(map[uuid.UUID]domain.Schedule),
		lastRuns: make(map[uuid.UUID]time.Time),
	}
	for _, s := range scheds {
		m.rows[s.ID] = s
	}
	return m
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Schedule{}, m.getErr
	}
	sched, ok := m.rows[id]
	if !ok {
		return domain.Schedule{}, sql.ErrNoRows
	}
	return sched, nil
}

func (m *mockStore) UpdateLastRun(_ context.Context, id uuid.UUID, lastRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRuns[id] = lastRunAt
	return nil
}

type mockDispatcher struct {
	mu       sync.Mutex
	executed []domain.Schedule
	opts     []dispatch.Options
	err      error
	result   dispatch.Result
}

func (m *mockDispatcher) Execute(_ context.Context, sched domain.Schedule, opts dispatch.Options) (dispatch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, sched)
	m.opts = append(m.opts, opts)
	if m.err != nil {
		return dispatch.Result{}, m.err
	}
	return m.result, nil
}

type mockGate struct {
	allow bool
	err   error
}

func (m *mockGate) HasFeature(context.Context, domain.Scope, string) (bool, error) {
	return m.allow, m.err
}

type captureEmitter struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (c *captureEmitter) Emit(_ context.Context, ev domain.RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) kinds() []domain.RunEventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kinds []domain.RunEventKind
	for _, ev := range c.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type mockMessage struct {
	data   []byte
	acked  bool
	naked  bool
	termed bool
}

func (m *mockMessage) Data() []byte { return m.data }
func (m *mockMessage) Ack() error   { m.acked = true; return nil }
func (m *mockMessage) Nak() error   { m.naked = true; return nil }
func (m *mockMessage) Term() error  { m.termed = true; return nil }

func tenantSchedule() domain.Schedule {
	tenantID := uuid.New()
	return domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeTenant, TenantID: &tenantID},
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: "30m",
		TargetType:    domain.TargetQueue,
		TargetQueue:   "emails.outbound",
		Enabled:       true,
	}
}

func newTestWorker(store *mockStore, disp *mockDispatcher, gate *mockGate, em *captureEmitter) *Worker {
	w := New(Config{}, store, disp, gate, em, nil, zerolog.Nop())
	return w.WithClock(func() time.Time { return testNow })
}

func TestHandleEnvelope_AbsentScheduleIsSilent(t *testing.T) {
	disp := &mockDispatcher{}
	em := &captureEmitter{}
	w := newTestWorker(newMockStore(), disp, &mockGate{allow: true}, em)

	env := queue.Envelope{ScheduleID: uuid.New(), ScopeType: "system"}
	if err := w.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatalf("HandleEnvelope returned %v, want silent nil", err)
	}
	if len(disp.executed) != 0 || len(em.events) != 0 {
		t.Error("an absent schedule must neither dispatch nor emit")
	}
}

func TestHandleEnvelope_TenantMismatchIsFatal(t *testing.T) {
	sched := tenantSchedule()
	store := newMockStore(sched)
	disp := &mockDispatcher{}
	em := &captureEmitter{}
	w := newTestWorker(store, disp, &mockGate{allow: true}, em)

	env := queue.EnvelopeFor(sched)
	other := uuid.New().String()
	env.TenantID = &other

	err := w.HandleEnvelope(context.Background(), env)
	if !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("HandleEnvelope = %v, want ErrScopeMismatch", err)
	}
	if len(disp.executed) != 0 {
		t.Error("a tampered payload must fail before any dispatch")
	}
	if len(em.events) != 0 {
		t.Errorf("events = %v, want none for an integrity failure", em.kinds())
	}
	if len(store.lastRuns) != 0 {
		t.Error("a tampered payload must not touch bookkeeping")
	}
}

func TestHandleEnvelope_ScopeFieldMismatches(t *testing.T) {
	sched := tenantSchedule()

	cases := []struct {
		name   string
		mutate func(*queue.Envelope)
	}{
		{"scope type", func(e *queue.Envelope) { e.ScopeType = "system" }},
		{"tenant cleared", func(e *queue.Envelope) { e.TenantID = nil }},
		{"organization injected", func(e *queue.Envelope) {
			org := uuid.New().String()
			e.OrganizationID = &org
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newTestWorker(newMockStore(sched), &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})
			env := queue.EnvelopeFor(sched)
			tc.mutate(&env)

			if err := w.HandleEnvelope(context.Background(), env); !errors.Is(err, ErrScopeMismatch) {
				t.Fatalf("HandleEnvelope = %v, want ErrScopeMismatch", err)
			}
		})
	}
}

func TestHandleEnvelope_DisabledEmitsSkipped(t *testing.T) {
	sched := tenantSchedule()
	sched.Enabled = false
	disp := &mockDispatcher{}
	em := &captureEmitter{}
	w := newTestWorker(newMockStore(sched), disp, &mockGate{allow: true}, em)

	if err := w.HandleEnvelope(context.Background(), queue.EnvelopeFor(sched)); err != nil {
		t.Fatalf("HandleEnvelope returned %v", err)
	}
	if len(disp.executed) != 0 {
		t.Error("a disabled schedule must not dispatch")
	}
	if len(em.events) != 1 || em.events[0].Kind != domain.RunSkipped || em.events[0].Reason != domain.SkipReasonDisabled {
		t.Fatalf("events = %+v, want one skipped with disabled", em.events)
	}
}

func TestHandleEnvelope_GateUnmetEmitsStartedThenSkipped(t *testing.T) {
	sched := tenantSchedule()
	sched.RequireFeature = "automation"
	disp := &mockDispatcher{}
	em := &captureEmitter{}
	w := newTestWorker(newMockStore(sched), disp, &mockGate{allow: false}, em)

	if err := w.HandleEnvelope(context.Background(), queue.EnvelopeFor(sched)); err != nil {
		t.Fatalf("HandleEnvelope returned %v", err)
	}
	if len(disp.executed) != 0 {
		t.Error("a gated schedule must not dispatch")
	}
	kinds := em.kinds()
	if len(kinds) != 2 || kinds[0] != domain.RunStarted || kinds[1] != domain.RunSkipped {
		t.Fatalf("events = %v, want started then skipped", kinds)
	}
	if em.events[1].Reason != domain.SkipReasonFeatureUnmet {
		t.Errorf("skip reason = %q, want feature_unmet", em.events[1].Reason)
	}
}

func TestHandleEnvelope_DispatchesWithIdempotencyToken(t *testing.T) {
	sched := tenantSchedule()
	store := newMockStore(sched)
	disp := &mockDispatcher{result: dispatch.Result{JobID: "job-3"}}
	em := &captureEmitter{}
	w := newTestWorker(store, disp, &mockGate{allow: true}, em)

	if err := w.HandleEnvelope(context.Background(), queue.EnvelopeFor(sched)); err != nil {
		t.Fatalf("HandleEnvelope returned %v", err)
	}

	if len(disp.executed) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(disp.executed))
	}
	if want := dispatch.IdempotencyToken(sched.ID, testNow); disp.opts[0].IdempotencyToken != want {
		t.Errorf("token = %q, want the deterministic schedule+instant token", disp.opts[0].IdempotencyToken)
	}
	if got := store.lastRuns[sched.ID]; !got.Equal(testNow) {
		t.Errorf("lastRunAt = %s, want %s", got, testNow)
	}

	kinds := em.kinds()
	if len(kinds) != 2 || kinds[0] != domain.RunStarted || kinds[1] != domain.RunCompleted {
		t.Fatalf("events = %v, want started then completed", kinds)
	}
	if em.events[1].JobID != "job-3" {
		t.Errorf("JobID = %q, want job-3", em.events[1].JobID)
	}
}

func TestHandleEnvelope_DispatchFailureIsSwallowed(t *testing.T) {
	sched := tenantSchedule()
	store := newMockStore(sched)
	disp := &mockDispatcher{err: errors.New("queue refused")}
	em := &captureEmitter{}
	w := newTestWorker(store, disp, &mockGate{allow: true}, em)

	if err := w.HandleEnvelope(context.Background(), queue.EnvelopeFor(sched)); err != nil {
		t.Fatalf("HandleEnvelope returned %v, execution failures must not redeliver", err)
	}
	if len(store.lastRuns) != 0 {
		t.Error("a failed run must not record last_run_at")
	}

	kinds := em.kinds()
	if len(kinds) != 2 || kinds[1] != domain.RunFailed {
		t.Fatalf("events = %v, want started then failed", kinds)
	}
	if !strings.Contains(em.events[1].Error, "queue refused") {
		t.Errorf("failed event error = %q, want the dispatch error", em.events[1].Error)
	}
}

func TestHandleEnvelope_StoreErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("connection reset")
	w := newTestWorker(store, &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	env := queue.Envelope{ScheduleID: uuid.New(), ScopeType: "system"}
	if err := w.HandleEnvelope(context.Background(), env); err == nil {
		t.Fatal("a store read failure should propagate for redelivery")
	}
}

func TestHandleMessage_MalformedPayloadIsTermed(t *testing.T) {
	w := newTestWorker(newMockStore(), &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	msg := &mockMessage{data: []byte("{{not json")}
	w.handleMessage(context.Background(), msg)

	if !msg.termed || msg.acked || msg.naked {
		t.Errorf("message verdict = ack:%v nak:%v term:%v, want term only", msg.acked, msg.naked, msg.termed)
	}
}

func TestHandleMessage_ScopeMismatchIsNaked(t *testing.T) {
	sched := tenantSchedule()
	w := newTestWorker(newMockStore(sched), &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	env := queue.EnvelopeFor(sched)
	env.TenantID = nil
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg := &mockMessage{data: data}
	w.handleMessage(context.Background(), msg)

	if !msg.naked || msg.acked || msg.termed {
		t.Errorf("message verdict = ack:%v nak:%v term:%v, want nak only", msg.acked, msg.naked, msg.termed)
	}
}

func TestHandleMessage_SuccessIsAcked(t *testing.T) {
	sched := tenantSchedule()
	w := newTestWorker(newMockStore(sched), &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	data, err := json.Marshal(queue.EnvelopeFor(sched))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	msg := &mockMessage{data: data}
	w.handleMessage(context.Background(), msg)

	if !msg.acked || msg.naked || msg.termed {
		t.Errorf("message verdict = ack:%v nak:%v term:%v, want ack only", msg.acked, msg.naked, msg.termed)
	}
}
