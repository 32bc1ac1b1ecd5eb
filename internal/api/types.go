package api

import (
	"time"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/recurrence"
)

type RegisterScheduleRequest struct {
	// ID is optional; one is generated when omitted. Module manifests
	// pass fixed ids so re-registration stays idempotent.
	ID string `json:"id,omitempty"`

	ScopeType      string `json:"scope_type"`
	OrganizationID string `json:"organization_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`

	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Timezone      string `json:"timezone,omitempty"`

	TargetType    string         `json:"target_type"`
	TargetQueue   string         `json:"target_queue,omitempty"`
	TargetCommand string         `json:"target_command,omitempty"`
	TargetPayload map[string]any `json:"target_payload,omitempty"`

	RequireFeature string `json:"require_feature,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	SourceModule string `json:"source_module,omitempty"`
}

// UpdateScheduleRequest carries a partial update; omitted fields keep
// their stored values. Scope is immutable and therefore absent.
type UpdateScheduleRequest struct {
	ScheduleType  *string `json:"schedule_type,omitempty"`
	ScheduleValue *string `json:"schedule_value,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`

	TargetType    *string        `json:"target_type,omitempty"`
	TargetQueue   *string        `json:"target_queue,omitempty"`
	TargetCommand *string        `json:"target_command,omitempty"`
	TargetPayload map[string]any `json:"target_payload,omitempty"`

	RequireFeature *string `json:"require_feature,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

type ScheduleResponse struct {
	ID string `json:"id"`

	ScopeType      string `json:"scope_type"`
	OrganizationID string `json:"organization_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`

	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ScheduleHuman string `json:"schedule_human,omitempty"`
	Timezone      string `json:"timezone,omitempty"`

	TargetType    string         `json:"target_type"`
	Target        string         `json:"target"`
	TargetPayload map[string]any `json:"target_payload,omitempty"`

	RequireFeature string `json:"require_feature,omitempty"`

	Enabled   bool   `json:"enabled"`
	LastRunAt string `json:"last_run_at,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`

	SourceType   string `json:"source_type"`
	SourceModule string `json:"source_module,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type TriggerResponse struct {
	ScheduleID string `json:"schedule_id"`
	Status     string `json:"status"`
}

type SyncResponse struct {
	Desired    int `json:"desired"`
	Registered int `json:"registered"`
	Removed    int `json:"removed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func scheduleResponse(sched domain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:             sched.ID.String(),
		ScopeType:      string(sched.Scope.Type),
		ScheduleType:   string(sched.ScheduleType),
		ScheduleValue:  sched.ScheduleValue,
		Timezone:       sched.Timezone,
		TargetType:     string(sched.TargetType),
		Target:         sched.Target(),
		TargetPayload:  sched.TargetPayload,
		RequireFeature: sched.RequireFeature,
		Enabled:        sched.Enabled,
		SourceType:     string(sched.SourceType),
		SourceModule:   sched.SourceModule,
		CreatedAt:      formatTime(sched.CreatedAt),
		UpdatedAt:      formatTime(sched.UpdatedAt),
	}
	if sched.Scope.OrganizationID != nil {
		resp.OrganizationID = sched.Scope.OrganizationID.String()
	}
	if sched.Scope.TenantID != nil {
		resp.TenantID = sched.Scope.TenantID.String()
	}
	if sched.ScheduleType == domain.ScheduleInterval {
		resp.ScheduleHuman = recurrence.IntervalToHuman(sched.ScheduleValue)
	}
	if sched.LastRunAt != nil {
		resp.LastRunAt = formatTime(*sched.LastRunAt)
	}
	if sched.NextRunAt != nil {
		resp.NextRunAt = formatTime(*sched.NextRunAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
