package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/recurrence"
)

// RepeatEntry is one recurring registration in the execution backend,
// keyed by schedule id. Exactly one of Pattern or EveryMS is set.
type RepeatEntry struct {
	ScheduleID string    `json:"scheduleId"`
	Pattern    string    `json:"pattern,omitempty"`
	EveryMS    int64     `json:"everyMilliseconds,omitempty"`
	Timezone   string    `json:"timezone,omitempty"`
	Envelope   Envelope  `json:"envelope"`
	NextFireAt time.Time `json:"nextFireAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// nextAfter computes the entry's next occurrence strictly after now.
func (e RepeatEntry) nextAfter(now time.Time) (time.Time, bool) {
	if e.Pattern != "" {
		return recurrence.Next(domain.ScheduleCron, e.Pattern, e.Timezone, now)
	}
	if e.EveryMS > 0 {
		return now.Add(time.Duration(e.EveryMS) * time.Millisecond).UTC(), true
	}
	return time.Time{}, false
}

// Repeats is the KV-backed repeat registry.
type Repeats struct {
	kv jetstream.KeyValue
}

// NewRepeats wraps the registry bucket.
func NewRepeats(kv jetstream.KeyValue) *Repeats {
	return &Repeats{kv: kv}
}

// Put creates or replaces the registration for entry's schedule.
func (r *Repeats) Put(ctx context.Context, entry RepeatEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal repeat %s: %w", entry.ScheduleID, err)
	}
	if _, err := r.kv.Put(ctx, entry.ScheduleID, data); err != nil {
		return fmt.Errorf("put repeat %s: %w", entry.ScheduleID, err)
	}
	return nil
}

// Get returns the registration and its revision for CAS updates.
func (r *Repeats) Get(ctx context.Context, scheduleID string) (RepeatEntry, uint64, error) {
	kve, err := r.kv.Get(ctx, scheduleID)
	if err != nil {
		return RepeatEntry{}, 0, err
	}
	var entry RepeatEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		return RepeatEntry{}, 0, fmt.Errorf("unmarshal repeat %s: %w", scheduleID, err)
	}
	return entry, kve.Revision(), nil
}

// Update replaces the registration only if revision still matches.
func (r *Repeats) Update(ctx context.Context, entry RepeatEntry, revision uint64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal repeat %s: %w", entry.ScheduleID, err)
	}
	if _, err := r.kv.Update(ctx, entry.ScheduleID, data, revision); err != nil {
		return err
	}
	return nil
}

// Delete removes the registration. A missing key is not an error.
func (r *Repeats) Delete(ctx context.Context, scheduleID string) error {
	err := r.kv.Delete(ctx, scheduleID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete repeat %s: %w", scheduleID, err)
	}
	return nil
}

// Keys returns the schedule ids of all registrations.
func (r *Repeats) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list repeat keys: %w", err)
	}
	return keys, nil
}

// List returns all registrations. Entries that vanish or fail to decode
// mid-listing are skipped.
func (r *Repeats) List(ctx context.Context) ([]RepeatEntry, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var entries []RepeatEntry
	for _, key := range keys {
		entry, _, err := r.Get(ctx, key)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
