package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RepeatSource is the slice of the repeat registry the ticker reads and
// advances.
type RepeatSource interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, scheduleID string) (RepeatEntry, uint64, error)
	Update(ctx context.Context, entry RepeatEntry, revision uint64) error
}

// FirePublisher hands fired occurrences to the execution workers.
type FirePublisher interface {
	PublishFire(ctx context.Context, env Envelope) error
}

const defaultTickEvery = time.Second

// RepeatTicker periodically scans the repeat registry and publishes one
// fire payload per due registration. Advancing nextFireAt is a CAS on
// the entry revision, so with several tickers running exactly one wins
// each occurrence.
type RepeatTicker struct {
	repeats RepeatSource
	pub     FirePublisher
	every   time.Duration
	log     zerolog.Logger
	clock   func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewRepeatTicker creates a ticker scanning every interval; zero or
// negative means the one-second default.
func NewRepeatTicker(repeats RepeatSource, pub FirePublisher, every time.Duration, log zerolog.Logger) *RepeatTicker {
	if every <= 0 {
		every = defaultTickEvery
	}
	return &RepeatTicker{
		repeats: repeats,
		pub:     pub,
		every:   every,
		log:     log,
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (t *RepeatTicker) WithClock(clock func() time.Time) *RepeatTicker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// Start launches the scan loop. Starting a running ticker is a no-op.
func (t *RepeatTicker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(t.stop, t.done)
	t.log.Info().Dur("every", t.every).Msg("repeat ticker started")
}

// Stop halts the loop and waits for an in-progress scan to finish.
// Stopping a stopped ticker is a no-op.
func (t *RepeatTicker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	t.log.Info().Msg("repeat ticker stopped")
}

func (t *RepeatTicker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.fireDue(context.Background())
		}
	}
}

// fireDue publishes every due registration once and advances it. An
// entry whose next occurrence cannot be computed is parked with a zero
// nextFireAt until a registration write replaces it.
func (t *RepeatTicker) fireDue(ctx context.Context) {
	keys, err := t.repeats.Keys(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("repeat scan failed")
		return
	}

	now := t.clock().UTC()
	for _, key := range keys {
		entry, revision, err := t.repeats.Get(ctx, key)
		if err != nil {
			continue
		}
		if entry.NextFireAt.IsZero() || entry.NextFireAt.After(now) {
			continue
		}

		next, ok := entry.nextAfter(now)
		if !ok {
			t.log.Warn().Str("schedule_id", entry.ScheduleID).Msg("repeat has no computable next occurrence, parked")
			next = time.Time{}
		}
		entry.NextFireAt = next
		entry.UpdatedAt = now

		if err := t.repeats.Update(ctx, entry, revision); err != nil {
			// Lost the CAS to another ticker, or the registry write
			// failed; either way this occurrence is not ours.
			continue
		}
		if !ok {
			continue
		}

		if err := t.pub.PublishFire(ctx, entry.Envelope); err != nil {
			t.log.Error().Err(err).Str("schedule_id", entry.ScheduleID).Msg("fire publish failed")
			continue
		}
		t.log.Debug().Str("schedule_id", entry.ScheduleID).Time("next_fire_at", next).Msg("occurrence fired")
	}
}
