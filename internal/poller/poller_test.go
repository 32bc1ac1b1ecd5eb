package poller

import (
	"context"
	"database/sql"
	"errors"
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
	"github.com/meridiancrm/schedcore/internal/pglock"
	"github.com/meridiancrm/schedcore/internal/store/postgres"
)

// The real implementations must keep satisfying the loop's dependency
// interfaces; the mocks below only mirror them.
var (
	_ Store       = (*postgres.Store)(nil)
	_ Locker      = (*pglock.Locker)(nil)
	_ Dispatcher  = (*dispatch.Dispatcher)(nil)
	_ FeatureGate = feature.AllowAll{}
	_ Emitter     = (*events.Bus)(nil)
	_ MetricsSink = (*metrics.PrometheusSink)(nil)
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type runTimesCall struct {
	id        uuid.UUID
	lastRunAt time.Time
	nextRunAt *time.Time
}

type nextRunCall struct {
	id        uuid.UUID
	nextRunAt *time.Time
}

type mockStore struct {
	mu       sync.Mutex
	due      []domain.Schedule
	rows     map[uuid.UUID]domain.Schedule
	dueErr   error
	runTimes []runTimesCall
	nextRuns []nextRunCall
}

func newMockStore(scheds ...domain.Schedule) *mockStore {
	m := &mockStore{rows: make(map[uuid.UUID]domain.Schedule)}
	for _, s := range scheds {
		m.due = append(m.due, s)
		m.rows[s.ID] = s
	}
	return m
}

func (m *mockStore) ListDue(context.Context, time.Time, int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due, m.dueErr
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.rows[id]
	if !ok {
		return domain.Schedule{}, sql.ErrNoRows
	}
	return sched, nil
}

func (m *mockStore) UpdateRunTimes(_ context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runTimes = append(m.runTimes, runTimesCall{id: id, lastRunAt: lastRunAt, nextRunAt: nextRunAt})
	return nil
}

func (m *mockStore) UpdateNextRun(_ context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRuns = append(m.nextRuns, nextRunCall{id: id, nextRunAt: nextRunAt})
	return nil
}

type mockLocker struct {
	mu       sync.Mutex
	deny     bool
	locked   []string
	unlocked []string
}

func (m *mockLocker) TryLock(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny {
		return false
	}
	m.locked = append(m.locked, key)
	return true
}

func (m *mockLocker) Unlock(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocked = append(m.unlocked, key)
}

type mockDispatcher struct {
	mu       sync.Mutex
	executed []domain.Schedule
	errFor   map[uuid.UUID]error
	result   dispatch.Result
}

func (m *mockDispatcher) Execute(_ context.Context, sched domain.Schedule, _ dispatch.Options) (dispatch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, sched)
	if err := m.errFor[sched.ID]; err != nil {
		return dispatch.Result{}, err
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

func intervalSchedule(value string) domain.Schedule {
	due := testNow.Add(-time.Minute)
	return domain.Schedule{
		ID:            uuid.New(),
		Scope:         domain.Scope{Type: domain.ScopeSystem},
		ScheduleType:  domain.ScheduleInterval,
		ScheduleValue: value,
		TargetType:    domain.TargetQueue,
		TargetQueue:   "emails.outbound",
		Enabled:       true,
		NextRunAt:     &due,
	}
}

func newTestPoller(store *mockStore, locker *mockLocker, disp *mockDispatcher, gate *mockGate, em *captureEmitter) *Poller {
	p := New(Config{}, store, locker, disp, gate, em, zerolog.Nop())
	return p.WithClock(func() time.Time { return testNow })
}

func TestPoller_CycleDispatchesDueSchedule(t *testing.T) {
	sched := intervalSchedule("1m")
	store := newMockStore(sched)
	locker := &mockLocker{}
	disp := &mockDispatcher{result: dispatch.Result{JobID: "job-9"}}
	em := &captureEmitter{}

	newTestPoller(store, locker, disp, &mockGate{allow: true}, em).runCycle(context.Background())

	if len(disp.executed) != 1 {
		t.Fatalf("dispatched %d schedules, want 1", len(disp.executed))
	}
	if len(store.runTimes) != 1 {
		t.Fatalf("UpdateRunTimes called %d times, want 1", len(store.runTimes))
	}
	call := store.runTimes[0]
	if !call.lastRunAt.Equal(testNow) {
		t.Errorf("lastRunAt = %s, want %s", call.lastRunAt, testNow)
	}
	if call.nextRunAt == nil || !call.nextRunAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("nextRunAt = %v, want %s", call.nextRunAt, testNow.Add(time.Minute))
	}
	if len(em.events) != 1 || em.events[0].Kind != domain.RunCompleted {
		t.Fatalf("events = %v, want one completed", em.kinds())
	}
	if em.events[0].JobID != "job-9" {
		t.Errorf("JobID = %q, want job-9", em.events[0].JobID)
	}
	if len(locker.unlocked) != 1 || locker.unlocked[0] != "schedule:"+sched.ID.String() {
		t.Errorf("unlocked = %v, want the schedule lock released", locker.unlocked)
	}
}

func TestPoller_LockContentionSkips(t *testing.T) {
	store := newMockStore(intervalSchedule("1m"))
	locker := &mockLocker{deny: true}
	disp := &mockDispatcher{}
	em := &captureEmitter{}

	newTestPoller(store, locker, disp, &mockGate{allow: true}, em).runCycle(context.Background())

	if len(disp.executed) != 0 {
		t.Error("a contended schedule must not dispatch")
	}
	if len(store.runTimes) != 0 || len(store.nextRuns) != 0 {
		t.Error("a contended schedule must not write bookkeeping")
	}
	if len(em.events) != 0 {
		t.Errorf("events = %v, want none", em.kinds())
	}
}

func TestPoller_FeatureGateUnmetSkipsAndReschedules(t *testing.T) {
	sched := intervalSchedule("1m")
	sched.RequireFeature = "automation"
	store := newMockStore(sched)
	locker := &mockLocker{}
	disp := &mockDispatcher{}
	em := &captureEmitter{}

	newTestPoller(store, locker, disp, &mockGate{allow: false}, em).runCycle(context.Background())

	if len(disp.executed) != 0 {
		t.Error("a gated schedule must not dispatch")
	}
	if len(em.events) != 1 || em.events[0].Kind != domain.RunSkipped || em.events[0].Reason != domain.SkipReasonFeatureUnmet {
		t.Fatalf("events = %+v, want one skipped with feature_unmet", em.events)
	}
	if len(store.nextRuns) != 1 {
		t.Fatalf("UpdateNextRun called %d times, want 1", len(store.nextRuns))
	}
	if next := store.nextRuns[0].nextRunAt; next == nil || !next.Equal(testNow.Add(time.Minute)) {
		t.Errorf("nextRunAt = %v, want %s", next, testNow.Add(time.Minute))
	}
	if len(locker.unlocked) != 1 {
		t.Error("the lock must be released on the skip path")
	}
}

func TestPoller_GateErrorReadsAsUnmet(t *testing.T) {
	sched := intervalSchedule("1m")
	sched.RequireFeature = "automation"
	store := newMockStore(sched)
	disp := &mockDispatcher{}
	em := &captureEmitter{}

	gate := &mockGate{allow: true, err: errors.New("redis down")}
	newTestPoller(store, &mockLocker{}, disp, gate, em).runCycle(context.Background())

	if len(disp.executed) != 0 {
		t.Error("an unverifiable gate must not dispatch")
	}
	if len(em.events) != 1 || em.events[0].Reason != domain.SkipReasonFeatureUnmet {
		t.Fatalf("events = %+v, want one skipped with feature_unmet", em.events)
	}
}

func TestPoller_ExecutionFailureReschedules(t *testing.T) {
	failing := intervalSchedule("1m")
	healthy := intervalSchedule("5m")
	store := newMockStore(failing, healthy)
	locker := &mockLocker{}
	disp := &mockDispatcher{errFor: map[uuid.UUID]error{failing.ID: errors.New("enqueue refused")}}
	em := &captureEmitter{}

	newTestPoller(store, locker, disp, &mockGate{allow: true}, em).runCycle(context.Background())

	if len(disp.executed) != 2 {
		t.Fatalf("dispatched %d schedules, want 2; a failure must not stop the cycle", len(disp.executed))
	}
	if len(store.nextRuns) != 1 || store.nextRuns[0].id != failing.ID {
		t.Fatalf("nextRuns = %+v, want exactly the failing schedule rescheduled", store.nextRuns)
	}
	if next := store.nextRuns[0].nextRunAt; next == nil || !next.Equal(testNow.Add(time.Minute)) {
		t.Errorf("failing schedule nextRunAt = %v, want %s", next, testNow.Add(time.Minute))
	}
	if len(store.runTimes) != 1 || store.runTimes[0].id != healthy.ID {
		t.Fatalf("runTimes = %+v, want exactly the healthy schedule marked run", store.runTimes)
	}

	var failed, completed int
	for _, ev := range em.events {
		switch ev.Kind {
		case domain.RunFailed:
			failed++
			if ev.Error != "enqueue refused" {
				t.Errorf("failed event error = %q, want the dispatch error", ev.Error)
			}
		case domain.RunCompleted:
			completed++
		}
	}
	if failed != 1 || completed != 1 {
		t.Errorf("events = %v, want one failed and one completed", em.kinds())
	}
	if len(locker.unlocked) != 2 {
		t.Errorf("unlocked %d locks, want 2", len(locker.unlocked))
	}
}

func TestPoller_RefetchUsesFreshRow(t *testing.T) {
	sched := intervalSchedule("1m")
	store := newMockStore(sched)
	fresh := sched
	fresh.ScheduleValue = "2m"
	store.rows[sched.ID] = fresh

	newTestPoller(store, &mockLocker{}, &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{}).runCycle(context.Background())

	if len(store.runTimes) != 1 {
		t.Fatalf("UpdateRunTimes called %d times, want 1", len(store.runTimes))
	}
	if next := store.runTimes[0].nextRunAt; next == nil || !next.Equal(testNow.Add(2*time.Minute)) {
		t.Errorf("nextRunAt = %v, want %s from the re-fetched value", next, testNow.Add(2*time.Minute))
	}
}

func TestPoller_RowVanishedMidRun(t *testing.T) {
	sched := intervalSchedule("1m")
	store := newMockStore(sched)
	delete(store.rows, sched.ID)
	locker := &mockLocker{}
	em := &captureEmitter{}

	newTestPoller(store, locker, &mockDispatcher{}, &mockGate{allow: true}, em).runCycle(context.Background())

	if len(store.runTimes) != 0 || len(store.nextRuns) != 0 {
		t.Error("a vanished row must not be written back")
	}
	if len(em.events) != 1 || em.events[0].Kind != domain.RunCompleted {
		t.Fatalf("events = %v, want the completed outcome still emitted", em.kinds())
	}
	if len(locker.unlocked) != 1 {
		t.Error("the lock must be released when the row vanishes")
	}
}

func TestPoller_TriggerNow(t *testing.T) {
	sched := intervalSchedule("1m")
	store := newMockStore()
	store.rows[sched.ID] = sched
	disp := &mockDispatcher{}

	p := newTestPoller(store, &mockLocker{}, disp, &mockGate{allow: true}, &captureEmitter{})

	if err := p.TriggerNow(context.Background(), sched.ID); err != nil {
		t.Fatalf("TriggerNow returned %v", err)
	}
	if len(disp.executed) != 1 {
		t.Fatalf("dispatched %d schedules, want 1", len(disp.executed))
	}
}

func TestPoller_TriggerNowDisabled(t *testing.T) {
	sched := intervalSchedule("1m")
	sched.Enabled = false
	store := newMockStore()
	store.rows[sched.ID] = sched

	p := newTestPoller(store, &mockLocker{}, &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	if err := p.TriggerNow(context.Background(), sched.ID); !errors.Is(err, domain.ErrNotRunnable) {
		t.Fatalf("TriggerNow = %v, want ErrNotRunnable", err)
	}
}

func TestPoller_TriggerNowMissing(t *testing.T) {
	p := newTestPoller(newMockStore(), &mockLocker{}, &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{})

	if err := p.TriggerNow(context.Background(), uuid.New()); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("TriggerNow = %v, want sql.ErrNoRows", err)
	}
}

func TestPoller_StartStop(t *testing.T) {
	p := New(Config{PollInterval: 10 * time.Millisecond}, newMockStore(), &mockLocker{}, &mockDispatcher{}, &mockGate{allow: true}, &captureEmitter{}, zerolog.Nop())

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}
