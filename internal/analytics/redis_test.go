package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridiancrm/schedcore/internal/domain"
	"github.com/meridiancrm/schedcore/internal/events"
)

var _ events.Emitter = (*RedisSink)(nil)

func TestRunKey_BucketsByHourAndScope(t *testing.T) {
	tenant := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	id := uuid.MustParse("99999999-9999-9999-9999-999999999999")
	at := time.Date(2026, 3, 10, 12, 41, 9, 0, time.UTC)

	ev := domain.RunEvent{
		Kind:       domain.RunCompleted,
		ScheduleID: id,
		Scope:      domain.Scope{Type: domain.ScopeTenant, TenantID: &tenant},
	}

	got := runKey(ev, at)
	want := "runs:44444444-4444-4444-4444-444444444444:99999999-9999-9999-9999-999999999999:completed:2026031012"
	if got != want {
		t.Errorf("runKey = %q, want %q", got, want)
	}

	if runKey(ev, at.Add(10*time.Minute)) != got {
		t.Error("minutes within one hour should share a bucket")
	}
	if runKey(ev, at.Add(time.Hour)) == got {
		t.Error("different hours should not share a bucket")
	}
}

func TestScopeLeaf_FallsBackToSystem(t *testing.T) {
	org := uuid.New()

	if got := scopeLeaf(domain.Scope{Type: domain.ScopeSystem}); got != "system" {
		t.Errorf("system scope leaf = %q, want system", got)
	}
	if got := scopeLeaf(domain.Scope{Type: domain.ScopeOrganization, OrganizationID: &org}); got != org.String() {
		t.Errorf("organization scope leaf = %q, want the org id", got)
	}
	if got := scopeLeaf(domain.Scope{Type: domain.ScopeTenant}); got != "system" {
		t.Errorf("tenant scope without an id should fall back to system, got %q", got)
	}
}
