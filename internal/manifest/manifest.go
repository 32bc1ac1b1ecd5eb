// Package manifest loads module-owned schedule declarations from YAML
// files and reconciles the store against them through the registration
// facade. Manifests pin schedule ids so repeated startups stay
// idempotent. Scope is immutable after registration, so moving a
// schedule to a different scope requires a new id.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/schedules"
)

// File is one module's manifest.
type File struct {
	Module    string  `yaml:"module"`
	Schedules []Entry `yaml:"schedules"`
}

// Entry declares one schedule a module owns.
type Entry struct {
	ID             string         `yaml:"id"`
	ScopeType      string         `yaml:"scope_type"`
	OrganizationID string         `yaml:"organization_id"`
	TenantID       string         `yaml:"tenant_id"`
	ScheduleType   string         `yaml:"schedule_type"`
	ScheduleValue  string         `yaml:"schedule_value"`
	Timezone       string         `yaml:"timezone"`
	TargetType     string         `yaml:"target_type"`
	TargetQueue    string         `yaml:"target_queue"`
	TargetCommand  string         `yaml:"target_command"`
	TargetPayload  map[string]any `yaml:"target_payload"`
	RequireFeature string         `yaml:"require_feature"`
	Enabled        *bool          `yaml:"enabled"`
}

// Validate checks the shape rules Load enforces per file: a module
// name, and a unique parseable id on every entry.
func (f File) Validate() error {
	if f.Module == "" {
		return errors.New("module name is required")
	}
	seen := make(map[string]bool, len(f.Schedules))
	for i, entry := range f.Schedules {
		if entry.ID == "" {
			return fmt.Errorf("schedule %d: id is required", i)
		}
		if _, err := uuid.Parse(entry.ID); err != nil {
			return fmt.Errorf("schedule %d: invalid id %q: %w", i, entry.ID, err)
		}
		if seen[entry.ID] {
			return fmt.Errorf("schedule %d: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = true

		if entry.OrganizationID != "" {
			if _, err := uuid.Parse(entry.OrganizationID); err != nil {
				return fmt.Errorf("schedule %d: invalid organization_id %q: %w", i, entry.OrganizationID, err)
			}
		}
		if entry.TenantID != "" {
			if _, err := uuid.Parse(entry.TenantID); err != nil {
				return fmt.Errorf("schedule %d: invalid tenant_id %q: %w", i, entry.TenantID, err)
			}
		}
	}
	return nil
}

// Load reads every .yaml/.yml file in dir. Each module may appear in
// only one file, otherwise the later file's pruning pass would remove
// the earlier file's schedules.
func Load(dir string) ([]File, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var files []File
	modules := make(map[string]string)
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(de.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var file File
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := file.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		if prev, ok := modules[file.Module]; ok {
			return nil, fmt.Errorf("manifest %s: module %q already declared in %s", path, file.Module, prev)
		}
		modules[file.Module] = path

		files = append(files, file)
	}
	return files, nil
}

// Service is the facade surface the applier needs. *schedules.Service
// satisfies it.
type Service interface {
	Register(ctx context.Context, def schedules.Definition) (domain.Schedule, error)
	Update(ctx context.Context, id uuid.UUID, changes schedules.Changes) (domain.Schedule, error)
	Unregister(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	FindByModule(ctx context.Context, module string) ([]domain.Schedule, error)
}

// Report summarizes one reconciliation.
type Report struct {
	Registered int
	Updated    int
	Pruned     int
}

// Applier reconciles manifests against the store.
type Applier struct {
	svc Service
	log zerolog.Logger
}

func NewApplier(svc Service, log zerolog.Logger) *Applier {
	return &Applier{svc: svc, log: log}
}

// ApplyDir loads every manifest in dir and applies them in turn.
func (a *Applier) ApplyDir(ctx context.Context, dir string) (Report, error) {
	files, err := Load(dir)
	if err != nil {
		return Report{}, err
	}

	var total Report
	for _, file := range files {
		report, err := a.Apply(ctx, file)
		total.Registered += report.Registered
		total.Updated += report.Updated
		total.Pruned += report.Pruned
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Apply upserts every declared schedule and then unregisters
// module-owned schedules the manifest no longer declares.
func (a *Applier) Apply(ctx context.Context, file File) (Report, error) {
	var report Report

	declared := make(map[uuid.UUID]bool, len(file.Schedules))
	for _, entry := range file.Schedules {
		id, err := uuid.Parse(entry.ID)
		if err != nil {
			return report, fmt.Errorf("module %s: schedule %q: invalid id: %w", file.Module, entry.ID, err)
		}
		declared[id] = true

		exists, err := a.svc.Exists(ctx, id)
		if err != nil {
			return report, fmt.Errorf("module %s: check schedule %s: %w", file.Module, id, err)
		}

		if exists {
			if _, err := a.svc.Update(ctx, id, entryChanges(entry)); err != nil {
				return report, fmt.Errorf("module %s: update schedule %s: %w", file.Module, id, err)
			}
			report.Updated++
		} else if _, err := a.svc.Register(ctx, entryDefinition(file.Module, id, entry)); err == nil {
			report.Registered++
		} else if errors.Is(err, domain.ErrScheduleExists) {
			// Another replica registered the id between our existence
			// check and the insert. Converge through the update path.
			if _, err := a.svc.Update(ctx, id, entryChanges(entry)); err != nil {
				return report, fmt.Errorf("module %s: update schedule %s: %w", file.Module, id, err)
			}
			report.Updated++
		} else {
			return report, fmt.Errorf("module %s: register schedule %s: %w", file.Module, id, err)
		}
	}

	owned, err := a.svc.FindByModule(ctx, file.Module)
	if err != nil {
		return report, fmt.Errorf("module %s: list owned schedules: %w", file.Module, err)
	}
	for _, sched := range owned {
		if declared[sched.ID] {
			continue
		}
		if err := a.svc.Unregister(ctx, sched.ID); err != nil {
			return report, fmt.Errorf("module %s: prune schedule %s: %w", file.Module, sched.ID, err)
		}
		report.Pruned++
	}

	a.log.Info().
		Str("module", file.Module).
		Int("registered", report.Registered).
		Int("updated", report.Updated).
		Int("pruned", report.Pruned).
		Msg("manifest applied")
	return report, nil
}

func entryDefinition(module string, id uuid.UUID, entry Entry) schedules.Definition {
	def := schedules.Definition{
		ID:             id,
		Scope:          scopeOf(entry),
		ScheduleType:   domain.ScheduleType(entry.ScheduleType),
		ScheduleValue:  entry.ScheduleValue,
		Timezone:       entry.Timezone,
		TargetType:     domain.TargetType(entry.TargetType),
		TargetQueue:    entry.TargetQueue,
		TargetCommand:  entry.TargetCommand,
		TargetPayload:  entry.TargetPayload,
		RequireFeature: entry.RequireFeature,
		Enabled:        entry.Enabled,
		SourceType:     domain.SourceModule,
		SourceModule:   module,
	}
	return def
}

// entryChanges maps the full entry onto an update, so the manifest is
// the desired state rather than a patch. Scope is deliberately absent.
func entryChanges(entry Entry) schedules.Changes {
	scheduleType := domain.ScheduleType(entry.ScheduleType)
	targetType := domain.TargetType(entry.TargetType)

	timezone := entry.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	enabled := true
	if entry.Enabled != nil {
		enabled = *entry.Enabled
	}

	return schedules.Changes{
		ScheduleType:   &scheduleType,
		ScheduleValue:  &entry.ScheduleValue,
		Timezone:       &timezone,
		TargetType:     &targetType,
		TargetQueue:    &entry.TargetQueue,
		TargetCommand:  &entry.TargetCommand,
		TargetPayload:  entry.TargetPayload,
		RequireFeature: &entry.RequireFeature,
		Enabled:        &enabled,
	}
}

func scopeOf(entry Entry) domain.Scope {
	scope := domain.Scope{Type: domain.ScopeType(entry.ScopeType)}
	if entry.OrganizationID != "" {
		if id, err := uuid.Parse(entry.OrganizationID); err == nil {
			scope.OrganizationID = &id
		}
	}
	if entry.TenantID != "" {
		if id, err := uuid.Parse(entry.TenantID); err == nil {
			scope.TenantID = &id
		}
	}
	return scope
}
