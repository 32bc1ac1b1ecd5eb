package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Message is one fired occurrence awaiting a verdict. Ack removes it,
// Nak asks for redelivery, Term drops it permanently.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// Consumer is the worker-side view of the fire subject.
type Consumer struct {
	consumer jetstream.Consumer
}

// WorkerConsumer creates or updates the shared durable consumer for
// fired occurrences. Redelivery stops after a bounded number of
// attempts.
func (c *Client) WorkerConsumer(ctx context.Context) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       WorkerDurable,
		FilterSubject: FireSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    consumerMaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker consumer: %w", err)
	}
	return &Consumer{consumer: cons}, nil
}

// Fetch pulls up to count occurrences, waiting briefly when none are
// pending. An empty batch is not an error. If the batch fails midway,
// the messages already received are returned anyway; they must be
// handled or their ack deadline redelivers them.
func (c *Consumer) Fetch(count int) ([]Message, error) {
	batch, err := c.consumer.Fetch(count, jetstream.FetchMaxWait(fetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch occurrences: %w", err)
	}

	var msgs []Message
	for msg := range batch.Messages() {
		msgs = append(msgs, msg)
	}

	if err := batch.Error(); err != nil && len(msgs) == 0 {
		return nil, fmt.Errorf("fetch occurrences: %w", err)
	}
	return msgs, nil
}
