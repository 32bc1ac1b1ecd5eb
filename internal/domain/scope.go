package domain

import (
	"errors"

	"github.com/google/uuid"
)

type ScopeType string

const (
	ScopeSystem       ScopeType = "system"
	ScopeOrganization ScopeType = "organization"
	ScopeTenant       ScopeType = "tenant"
)

var (
	ErrScopeSystemHasOwner  = errors.New("system scope must not set organizationId or tenantId")
	ErrScopeOrgMissingOwner = errors.New("organization scope requires both organizationId and tenantId")
	ErrScopeTenantMissingID = errors.New("tenant scope requires tenantId")
	ErrScopeTenantHasOrg    = errors.New("tenant scope must not set organizationId")
	ErrScopeTypeUnknown     = errors.New("unknown scope type")
)

// Scope is the ownership triple attached to a schedule. It is immutable
// after creation and re-validated field-by-field at execution time.
type Scope struct {
	Type           ScopeType
	OrganizationID *uuid.UUID
	TenantID       *uuid.UUID
}

// Validate checks the scope invariants:
// system => both ids nil; organization => both set; tenant => tenantId set, organizationId nil.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeSystem:
		if s.OrganizationID != nil || s.TenantID != nil {
			return ErrScopeSystemHasOwner
		}
	case ScopeOrganization:
		if s.OrganizationID == nil || s.TenantID == nil {
			return ErrScopeOrgMissingOwner
		}
	case ScopeTenant:
		if s.TenantID == nil {
			return ErrScopeTenantMissingID
		}
		if s.OrganizationID != nil {
			return ErrScopeTenantHasOrg
		}
	default:
		return ErrScopeTypeUnknown
	}
	return nil
}

// Equal reports whether two scopes match on every field.
func (s Scope) Equal(other Scope) bool {
	return s.Type == other.Type &&
		uuidPtrEqual(s.OrganizationID, other.OrganizationID) &&
		uuidPtrEqual(s.TenantID, other.TenantID)
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
