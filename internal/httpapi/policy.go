package httpapi

import (
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/credential"
)

// Violation selects what happens to a write that breaks the row policy
type Violation string

const (
	// ViolationReject answers 403 with code 42501
	ViolationReject Violation = "reject"
	// ViolationFilter drops the write and answers 2xx with no rows
	ViolationFilter Violation = "filter"
)

// Policy is the row-level access policy of the development service
type Policy struct {
	// IncludeUnassigned exposes rows without a tenant to every principal
	IncludeUnassigned bool `json:"includeUnassigned"`

	Violation Violation `json:"violation"`

	// HideRepresentation answers successful writes with no rows even when
	// return=representation was requested
	HideRepresentation bool `json:"hideRepresentation"`
}

// Visible reports whether p may read row
func (pol Policy) Visible(spec collection.Spec, p credential.Principal, row collection.Row) bool {
	if p.IsAdmin() || !spec.Scoped() {
		return true
	}
	tenant := spec.Tenant(row)
	if tenant == "" {
		return pol.IncludeUnassigned
	}
	return tenant == p.TenantID
}

// Writable reports whether p may store row. Non-admins can only write rows
// owned by their own tenant.
func (pol Policy) Writable(spec collection.Spec, p credential.Principal, row collection.Row) bool {
	if p.IsAdmin() || !spec.Scoped() {
		return true
	}
	return spec.Tenant(row) == p.TenantID
}
