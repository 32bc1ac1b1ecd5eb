// Package feature answers whether a gated capability is enabled for a
// scope. Schedules that name a required feature are skipped, not failed,
// when the check comes back false.
package feature

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meridiancrm/schedcore/internal/domain"
)

// Gate reports whether a feature is enabled for a scope.
type Gate interface {
	HasFeature(ctx context.Context, scope domain.Scope, feature string) (bool, error)
}

// AllowAll disables gating: every feature reads as enabled.
type AllowAll struct{}

func (AllowAll) HasFeature(context.Context, domain.Scope, string) (bool, error) {
	return true, nil
}

// StaticGate serves a fixed feature set, the same for every scope.
// Suited to single-binary deployments where entitlements ship in config.
type StaticGate struct {
	features map[string]struct{}
}

func NewStaticGate(enabled []string) *StaticGate {
	fs := make(map[string]struct{}, len(enabled))
	for _, f := range enabled {
		fs[f] = struct{}{}
	}
	return &StaticGate{features: fs}
}

func (g *StaticGate) HasFeature(_ context.Context, _ domain.Scope, feature string) (bool, error) {
	_, ok := g.features[feature]
	return ok, nil
}

// RedisGate reads entitlements from Redis sets, one set per scope.
type RedisGate struct {
	client *redis.Client
}

func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client}
}

func (g *RedisGate) HasFeature(ctx context.Context, scope domain.Scope, feature string) (bool, error) {
	ok, err := g.client.SIsMember(ctx, featureKey(scope), feature).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// featureKey picks the entitlement set for a scope. Tenant and
// organization schedules read their own sets; there is no inheritance
// between levels.
func featureKey(scope domain.Scope) string {
	switch scope.Type {
	case domain.ScopeTenant:
		return fmt.Sprintf("features:tenant:%s", scope.TenantID)
	case domain.ScopeOrganization:
		return fmt.Sprintf("features:org:%s", scope.OrganizationID)
	default:
		return "features:system"
	}
}
