package api

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/schedules"
)

// bindDefinition converts the wire request into a facade definition.
// Only shape problems (unparseable ids) are rejected here; the facade
// owns the scope, target and recurrence rules.
func bindDefinition(req RegisterScheduleRequest) (schedules.Definition, error) {
	def := schedules.Definition{
		Scope:          domain.Scope{Type: domain.ScopeType(req.ScopeType)},
		ScheduleType:   domain.ScheduleType(req.ScheduleType),
		ScheduleValue:  req.ScheduleValue,
		Timezone:       req.Timezone,
		TargetType:     domain.TargetType(req.TargetType),
		TargetQueue:    req.TargetQueue,
		TargetCommand:  req.TargetCommand,
		TargetPayload:  req.TargetPayload,
		RequireFeature: req.RequireFeature,
		Enabled:        req.Enabled,
		SourceType:     domain.SourceUser,
	}

	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return def, fmt.Errorf("invalid id: %w", err)
		}
		def.ID = id
	}

	orgID, err := parseOptionalUUID("organization_id", req.OrganizationID)
	if err != nil {
		return def, err
	}
	def.Scope.OrganizationID = orgID

	tenantID, err := parseOptionalUUID("tenant_id", req.TenantID)
	if err != nil {
		return def, err
	}
	def.Scope.TenantID = tenantID

	if req.SourceModule != "" {
		def.SourceType = domain.SourceModule
		def.SourceModule = req.SourceModule
	}

	return def, nil
}

func bindChanges(req UpdateScheduleRequest) schedules.Changes {
	changes := schedules.Changes{
		ScheduleValue:  req.ScheduleValue,
		Timezone:       req.Timezone,
		TargetQueue:    req.TargetQueue,
		TargetCommand:  req.TargetCommand,
		TargetPayload:  req.TargetPayload,
		RequireFeature: req.RequireFeature,
		Enabled:        req.Enabled,
	}
	if req.ScheduleType != nil {
		typ := domain.ScheduleType(*req.ScheduleType)
		changes.ScheduleType = &typ
	}
	if req.TargetType != nil {
		typ := domain.TargetType(*req.TargetType)
		changes.TargetType = &typ
	}
	return changes
}

func parseOptionalUUID(field, value string) (*uuid.UUID, error) {
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &id, nil
}
