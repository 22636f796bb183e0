// Package stats derives dashboard aggregates from mirrored collections.
package stats

import (
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
)

// ExpiringWindow is how far ahead a customer counts as expiring
const ExpiringWindow = 7 * 24 * time.Hour

// Scope selects which rows an aggregate covers
type Scope struct {
	PrincipalID string
	Admin       bool

	// IncludeUnassigned makes rows without an owning tenant visible to a
	// tenant-scoped operator.
	IncludeUnassigned bool
}

// Visible reports whether row of spec falls inside the scope
func (s Scope) Visible(spec collection.Spec, row collection.Row) bool {
	if s.Admin || !spec.Scoped() {
		return true
	}
	tenant := spec.Tenant(row)
	if tenant == "" {
		return s.IncludeUnassigned
	}
	return tenant == s.PrincipalID
}

// Dataset is the input of Compute
type Dataset struct {
	Customers []collection.Row
	Resellers []collection.Row
	Invoices  []collection.Row
}

// Snapshot is one computed set of aggregates. Snapshots are immutable once
// published.
type Snapshot struct {
	Scope      Scope
	ComputedAt time.Time

	Customers          int
	ActiveCustomers    int
	SuspendedCustomers int
	PaidCustomers      int
	UnpaidCustomers    int
	ExpiringCustomers  int
	ExpiredCustomers   int

	// Unassigned counts visible rows that have no owning tenant
	Unassigned int

	Revenue        Money
	PendingRevenue Money

	Resellers int

	Invoices        int
	PaidInvoices    int
	PendingInvoices int
	InvoicedAmount  Money
	Outstanding     Money
}

var specs = collection.NewRegistry()

func mustSpec(name string) collection.Spec {
	s, err := specs.Lookup(name)
	if err != nil {
		panic(err)
	}
	return s
}

var (
	customerSpec = mustSpec(collection.Customers)
	resellerSpec = mustSpec(collection.Resellers)
	invoiceSpec  = mustSpec(collection.Invoices)
)

// Compute aggregates ds for scope. It has no side effects besides logging
// unparsable amounts.
func Compute(ds Dataset, scope Scope, now time.Time) *Snapshot {
	s := &Snapshot{Scope: scope, ComputedAt: now}

	for _, row := range ds.Customers {
		if !scope.Visible(customerSpec, row) {
			continue
		}
		s.Customers++
		if customerSpec.Tenant(row) == "" {
			s.Unassigned++
		}

		switch status, _ := collection.GetString(row, "status"); status {
		case "active":
			s.ActiveCustomers++
		case "suspended":
			s.SuspendedCustomers++
		}

		price := ParseMoney(row["price"])
		if collection.GetBool(row, "paid") {
			s.PaidCustomers++
			s.Revenue += price
		} else {
			s.UnpaidCustomers++
			s.PendingRevenue += price
		}

		if exp, ok := collection.GetTime(row, "expires_at"); ok {
			switch {
			case !exp.After(now):
				s.ExpiredCustomers++
			case exp.Sub(now) <= ExpiringWindow:
				s.ExpiringCustomers++
			}
		}
	}

	for _, row := range ds.Resellers {
		if scope.Visible(resellerSpec, row) {
			s.Resellers++
		}
	}

	for _, row := range ds.Invoices {
		if !scope.Visible(invoiceSpec, row) {
			continue
		}
		s.Invoices++
		amount := ParseMoney(row["amount"])
		s.InvoicedAmount += amount

		if status, _ := collection.GetString(row, "status"); status == "paid" {
			s.PaidInvoices++
		} else {
			s.PendingInvoices++
			s.Outstanding += amount
		}
	}

	return s
}
