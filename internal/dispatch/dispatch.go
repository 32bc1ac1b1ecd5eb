// Package dispatch executes a schedule's target: an enqueue to a named
// queue, or a named command run under a system execution context. Both
// runners share it so target semantics cannot drift between modes.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/command"
	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/metrics"
)

// Enqueuer pushes a payload onto a named queue and returns the backend
// job id.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload map[string]any) (string, error)
}

// NoQueue serves deployments without a queue backend. Queue targets
// fail with a configuration error; command targets are unaffected.
type NoQueue struct{}

func (NoQueue) Enqueue(_ context.Context, queue string, _ map[string]any) (string, error) {
	return "", fmt.Errorf("dispatch: no queue backend configured for queue %q", queue)
}

// CommandRunner executes a named command. *command.Registry satisfies it.
type CommandRunner interface {
	Execute(ctx context.Context, name string, ec command.ExecutionContext) error
}

// MetricsSink is the slice of the metrics interface dispatch records to.
type MetricsSink interface {
	DispatchCompleted(target, outcome string, duration time.Duration)
}

// Options tune a single dispatch.
type Options struct {
	// IdempotencyToken, when set, is attached to queue payloads under
	// the "idempotencyKey" field so downstream consumers can dedupe.
	IdempotencyToken string
}

// Result reports what a dispatch produced. JobID is set on queue
// targets only.
type Result struct {
	JobID string
}

type Dispatcher struct {
	enqueuer Enqueuer
	commands CommandRunner
	metrics  MetricsSink // optional, nil = disabled
}

func New(enqueuer Enqueuer, commands CommandRunner) *Dispatcher {
	return &Dispatcher{
		enqueuer: enqueuer,
		commands: commands,
	}
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Execute runs the schedule's target once. Command targets run under a
// system context carrying the schedule's scope and no user identity.
func (d *Dispatcher) Execute(ctx context.Context, sched domain.Schedule, opts Options) (Result, error) {
	start := time.Now()

	var result Result
	var err error

	switch sched.TargetType {
	case domain.TargetQueue:
		payload := withToken(sched.TargetPayload, opts.IdempotencyToken)
		result.JobID, err = d.enqueuer.Enqueue(ctx, sched.TargetQueue, payload)
	case domain.TargetCommand:
		ec := command.SystemContext(sched.Scope, sched.TargetPayload)
		err = d.commands.Execute(ctx, sched.TargetCommand, ec)
	default:
		err = fmt.Errorf("dispatch: unknown target type %q", sched.TargetType)
	}

	if d.metrics != nil {
		outcome := metrics.OutcomeCompleted
		if err != nil {
			outcome = metrics.OutcomeFailed
		}
		d.metrics.DispatchCompleted(string(sched.TargetType), outcome, time.Since(start))
	}

	return result, err
}

// IdempotencyToken derives a deterministic token for one occurrence of
// a schedule, so a crash between dispatch and bookkeeping cannot create
// a second, differently-keyed delivery.
func IdempotencyToken(scheduleID uuid.UUID, firedAt time.Time) string {
	data := fmt.Sprintf("%s:%d", scheduleID.String(), firedAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// withToken copies payload with the token attached, leaving the
// schedule's stored payload untouched.
func withToken(payload map[string]any, token string) map[string]any {
	if token == "" {
		return payload
	}
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged["idempotencyKey"] = token
	return merged
}
