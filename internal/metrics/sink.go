package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Poller metrics
	PollCycleStarted()
	PollCycleCompleted(duration time.Duration, due int, err error)
	LockContended()

	// Dispatch metrics
	DispatchCompleted(target, outcome string, duration time.Duration)

	// Registration sync metrics
	SyncFailure(op string)

	// Worker metrics
	WorkerInFlightIncr()
	WorkerInFlightDecr()
	WorkerPayloadRejected()
}

// Outcome constants for DispatchCompleted.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)
