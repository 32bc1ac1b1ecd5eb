package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
)

func TestBus_EmitNeverBlocks(t *testing.T) {
	bus := NewBus(2)
	ctx := context.Background()

	first := domain.RunEvent{Kind: domain.RunStarted, ScheduleID: uuid.New()}
	second := domain.RunEvent{Kind: domain.RunCompleted, ScheduleID: uuid.New()}
	overflow := domain.RunEvent{Kind: domain.RunFailed, ScheduleID: uuid.New()}

	bus.Emit(ctx, first)
	bus.Emit(ctx, second)
	bus.Emit(ctx, overflow) // buffer full, must return immediately

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	got := <-bus.Channel()
	if got.ScheduleID != first.ScheduleID {
		t.Errorf("first buffered event = %v, want %v", got.ScheduleID, first.ScheduleID)
	}
	got = <-bus.Channel()
	if got.ScheduleID != second.ScheduleID {
		t.Errorf("second buffered event = %v, want %v", got.ScheduleID, second.ScheduleID)
	}
}

func TestBus_RunForwardsAndDrainsOnCancel(t *testing.T) {
	bus := NewBus(4)
	sink := NewBus(4) // reuse a second bus as the capture sink

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx, sink)
		close(done)
	}()

	live := domain.RunEvent{Kind: domain.RunStarted, ScheduleID: uuid.New()}
	bus.Emit(ctx, live)
	select {
	case got := <-sink.Channel():
		if got.ScheduleID != live.ScheduleID {
			t.Errorf("forwarded event = %v, want %v", got.ScheduleID, live.ScheduleID)
		}
	case <-time.After(time.Second):
		t.Fatal("live event was not forwarded")
	}

	// Events buffered at cancellation time must still reach the sink.
	buffered := domain.RunEvent{Kind: domain.RunCompleted, ScheduleID: uuid.New()}
	bus.Emit(ctx, buffered)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	select {
	case got := <-sink.Channel():
		if got.ScheduleID != buffered.ScheduleID {
			t.Errorf("drained event = %v, want %v", got.ScheduleID, buffered.ScheduleID)
		}
	default:
		t.Error("buffered event was dropped instead of drained")
	}
}

func TestFanout_ForwardsToAllSinks(t *testing.T) {
	a := NewBus(1)
	b := NewBus(1)
	fan := Fanout{a, b}

	ev := domain.RunEvent{Kind: domain.RunCompleted, ScheduleID: uuid.New()}
	fan.Emit(context.Background(), ev)

	if got := <-a.Channel(); got.ScheduleID != ev.ScheduleID {
		t.Error("first sink did not receive the event")
	}
	if got := <-b.Channel(); got.ScheduleID != ev.ScheduleID {
		t.Error("second sink did not receive the event")
	}
}

func TestLogSink_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	id := uuid.New()
	sink.Emit(context.Background(), domain.RunEvent{
		Kind:       domain.RunSkipped,
		ScheduleID: id,
		Scope:      domain.Scope{Type: domain.ScopeSystem},
		TargetType: domain.TargetCommand,
		Target:     "reports.rollup",
		Reason:     "disabled",
		At:         time.Now(),
	})

	out := buf.String()
	for _, want := range []string{`"kind":"skipped"`, id.String(), `"reason":"disabled"`, "reports.rollup"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestQueueSink_PublishesPerKindSubject(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewQueueSink(pub, "schedcore.runs", zerolog.Nop())

	tenantID := uuid.New()
	sink.Emit(context.Background(), domain.RunEvent{
		Kind:       domain.RunCompleted,
		ScheduleID: uuid.New(),
		Scope:      domain.Scope{Type: domain.ScopeTenant, TenantID: &tenantID},
		TargetType: domain.TargetQueue,
		Target:     "emails.outbound",
		JobID:      "job-123",
		At:         time.Now(),
		Duration:   1500 * time.Millisecond,
	})

	if pub.subject != "schedcore.runs.completed" {
		t.Errorf("subject = %q, want schedcore.runs.completed", pub.subject)
	}

	var wire map[string]any
	if err := json.Unmarshal(pub.data, &wire); err != nil {
		t.Fatalf("published payload is not JSON: %v", err)
	}
	if wire["kind"] != "completed" {
		t.Errorf("kind = %v, want completed", wire["kind"])
	}
	if wire["tenant_id"] != tenantID.String() {
		t.Errorf("tenant_id = %v, want %s", wire["tenant_id"], tenantID)
	}
	if _, ok := wire["organization_id"]; ok {
		t.Error("organization_id should be omitted for a tenant scope")
	}
	if wire["duration_ms"] != float64(1500) {
		t.Errorf("duration_ms = %v, want 1500", wire["duration_ms"])
	}
	if wire["job_id"] != "job-123" {
		t.Errorf("job_id = %v, want job-123", wire["job_id"])
	}
}

func TestQueueSink_PublishFailureIsSwallowed(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	sink := NewQueueSink(pub, "schedcore.runs", zerolog.Nop())

	// Must not panic or propagate.
	sink.Emit(context.Background(), domain.RunEvent{
		Kind:       domain.RunFailed,
		ScheduleID: uuid.New(),
		Scope:      domain.Scope{Type: domain.ScopeSystem},
	})
}

var (
	_ Emitter = Noop{}
	_ Emitter = Fanout{}
	_ Emitter = (*Bus)(nil)
	_ Emitter = (*LogSink)(nil)
	_ Emitter = (*QueueSink)(nil)
)
