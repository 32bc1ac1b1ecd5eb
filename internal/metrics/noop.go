package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PollCycleStarted()                                             {}
func (n *NoopSink) PollCycleCompleted(duration time.Duration, due int, err error) {}
func (n *NoopSink) LockContended()                                                {}
func (n *NoopSink) DispatchCompleted(target, outcome string, d time.Duration)     {}
func (n *NoopSink) SyncFailure(op string)                                         {}
func (n *NoopSink) WorkerInFlightIncr()                                           {}
func (n *NoopSink) WorkerInFlightDecr()                                           {}
func (n *NoopSink) WorkerPayloadRejected()                                        {}
