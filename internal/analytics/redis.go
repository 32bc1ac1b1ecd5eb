// Package analytics keeps per-schedule run counters in Redis, bucketed
// by hour, so tenant dashboards can chart activity without querying the
// metrics stack.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// retention bounds how long counters live. Anything older belongs to
// the metrics stack, not Redis.
const retention = 14 * 24 * time.Hour

// RedisSink counts run events in hourly buckets. Emit is best-effort:
// a Redis outage costs counters, never a run.
type RedisSink struct {
	client *redis.Client
	log    zerolog.Logger
	clock  func() time.Time
}

func NewRedisSink(client *redis.Client, log zerolog.Logger) *RedisSink {
	return &RedisSink{
		client: client,
		log:    log.With().Str("component", "analytics").Logger(),
		clock:  time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *RedisSink) Emit(ctx context.Context, ev domain.RunEvent) {
	at := ev.At
	if at.IsZero() {
		at = s.clock()
	}
	key := runKey(ev, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().
			Err(err).
			Str("schedule_id", ev.ScheduleID.String()).
			Msg("run counter write failed")
	}
}

// runKey is runs:<scope leaf>:<schedule>:<kind>:<hour bucket>. The
// scope leaf is the tenant or organization id, or "system", so counters
// aggregate along the same axis schedules are owned by.
func runKey(ev domain.RunEvent, at time.Time) string {
	return fmt.Sprintf("runs:%s:%s:%s:%s",
		scopeLeaf(ev.Scope), ev.ScheduleID, ev.Kind, at.UTC().Format("2006010215"))
}

func scopeLeaf(sc domain.Scope) string {
	switch sc.Type {
	case domain.ScopeTenant:
		if sc.TenantID != nil {
			return sc.TenantID.String()
		}
	case domain.ScopeOrganization:
		if sc.OrganizationID != nil {
			return sc.OrganizationID.String()
		}
	}
	return "system"
}
