package events

import (
	"context"
	"sync/atomic"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// Bus is an in-process buffered fanout point. Emit never blocks: when
// the buffer is full the event is dropped and counted, because losing
// an observational event is cheaper than stalling a run.
type Bus struct {
	ch      chan domain.RunEvent
	dropped atomic.Int64
}

func NewBus(buffer int) *Bus {
	return &Bus{ch: make(chan domain.RunEvent, buffer)}
}

func (b *Bus) Emit(_ context.Context, ev domain.RunEvent) {
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Channel exposes the event stream for a single consumer.
func (b *Bus) Channel() <-chan domain.RunEvent {
	return b.ch
}

// Run forwards buffered events to sink until ctx is cancelled, then
// drains whatever the buffer still holds before returning. The drain
// uses a fresh context so already-emitted events survive shutdown.
func (b *Bus) Run(ctx context.Context, sink Emitter) {
	for {
		select {
		case ev := <-b.ch:
			sink.Emit(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.ch:
					sink.Emit(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns the number of events discarded because the buffer
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
