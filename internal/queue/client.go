// Package queue is the NATS JetStream execution backend: job
// enqueueing, the repeat registry that fires recurring occurrences, and
// the worker-side consumer those occurrences are handled through.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridiancrm/schedcore/internal/dispatch"
	"github.com/meridiancrm/schedcore/internal/events"
)

const (
	streamMaxAge       = 24 * time.Hour
	consumerAckWait    = 2 * time.Minute
	consumerMaxDeliver = 5
	fetchMaxWait       = 2 * time.Second
)

// Client wraps one NATS connection and its JetStream context.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the NATS server, retrying the initial dial with
// exponential backoff so boot order against the broker does not matter.
// Once established, the connection itself reconnects forever.
func Connect(url string) (*Client, error) {
	var nc *nats.Conn
	dial := func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)); err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

// Setup creates the stream and the repeat bucket. Every call converges
// on the same configuration, so running it on boot is safe.
func (c *Client) Setup(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{queueAllSubject, FireSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    streamMaxAge,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	if _, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  BucketRepeats,
		Storage: jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("create bucket %s: %w", BucketRepeats, err)
	}

	return nil
}

// Repeats opens the repeat registry bucket.
func (c *Client) Repeats(ctx context.Context) (*Repeats, error) {
	kv, err := c.js.KeyValue(ctx, BucketRepeats)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", BucketRepeats, err)
	}
	return NewRepeats(kv), nil
}

// Close drains nothing and closes the connection. In-flight publishes
// that already got an ack are durable; anything else was best-effort.
func (c *Client) Close() {
	c.nc.Close()
}

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	return c.nc.Status() == nats.CONNECTED
}

// Enqueue publishes payload as one job on the named queue and returns
// the generated job id. The id doubles as the JetStream message id so
// the server deduplicates a crash-and-republish within its window.
func (c *Client) Enqueue(ctx context.Context, queue string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	jobID := uuid.NewString()
	msg := nats.NewMsg(QueueSubject(queue))
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", jobID)

	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return "", fmt.Errorf("publish job to %s: %w", queue, err)
	}
	return jobID, nil
}

// PublishFire hands one fired occurrence to the execution workers.
func (c *Client) PublishFire(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal fire payload: %w", err)
	}
	if _, err := c.js.Publish(ctx, FireSubject, data); err != nil {
		return fmt.Errorf("publish fire for %s: %w", env.ScheduleID, err)
	}
	return nil
}

// Publish sends a fire-and-forget message outside the stream, used for
// lifecycle event fan-out.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

var (
	_ dispatch.Enqueuer = (*Client)(nil)
	_ events.Publisher  = (*Client)(nil)
	_ FirePublisher     = (*Client)(nil)
)
