// Package collection describes the remote collections mirrored by the
// dashboard and the row helpers shared by every layer that reads them.
package collection

import (
	"fmt"
	"sort"
)

// Well-known collection names
const (
	Customers = "customers"
	Resellers = "resellers"
	Invoices  = "invoices"
)

// Spec describes one remote collection
type Spec struct {
	Name        string
	IDField     string
	TenantField string // empty when rows are not tenant-scoped
	NaturalKey  string // uniqueness field used to verify creates
}

// Scoped reports whether rows carry an owning tenant
func (s Spec) Scoped() bool { return s.TenantField != "" }

// ID returns the normalized identifier of row
func (s Spec) ID(row Row) (string, bool) {
	return RowID(row, s.IDField)
}

// Tenant returns the owning tenant of row, or "" when the row is unassigned
func (s Spec) Tenant(row Row) string {
	if !s.Scoped() {
		return ""
	}
	v := row[s.TenantField]
	if v == nil {
		return ""
	}
	return Stringify(v)
}

var builtins = map[string]Spec{
	Customers: {Name: Customers, IDField: "id", TenantField: "reseller_id", NaturalKey: "username"},
	Resellers: {Name: Resellers, IDField: "id", TenantField: "parent_id", NaturalKey: "username"},
	Invoices:  {Name: Invoices, IDField: "id", TenantField: "reseller_id", NaturalKey: "number"},
}

// Registry resolves collection names to specs
type Registry struct {
	specs map[string]Spec
}

// NewRegistry returns a registry seeded with the built-in collections plus extra
func NewRegistry(extra ...Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec, len(builtins)+len(extra))}
	for name, s := range builtins {
		r.specs[name] = s
	}
	for _, s := range extra {
		if s.IDField == "" {
			s.IDField = "id"
		}
		r.specs[s.Name] = s
	}
	return r
}

// ErrUnknownCollection is returned for names with no spec
type ErrUnknownCollection struct {
	Name string
}

func (e ErrUnknownCollection) Error() string {
	return fmt.Sprintf("unknown collection: %s", e.Name)
}

// Lookup returns the spec for name
func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, ErrUnknownCollection{Name: name}
	}
	return s, nil
}

// Names returns the registered collection names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
