package fetch

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
)

// Filter is one column predicate rendered as field=op.value
type Filter struct {
	Field string
	Op    string
	Value string
}

// Eq builds an equality filter
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: "eq", Value: collection.Stringify(value)}
}

// Request describes one REST call against a collection
type Request struct {
	Collection string
	Method     string // defaults to GET
	Filters    []Filter
	Select     string
	Order      string
	Limit      int

	// Body is JSON encoded for writes
	Body any

	// ReturnRepresentation asks the service to echo affected rows
	ReturnRepresentation bool
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// IsRead reports whether the request is subject to single-flight
func (r Request) IsRead() bool {
	return r.method() == http.MethodGet
}

// query renders the request's query string with keys in a stable order
func (r Request) query() string {
	q := url.Values{}
	filters := append([]Filter(nil), r.Filters...)
	sort.SliceStable(filters, func(i, j int) bool { return filters[i].Field < filters[j].Field })
	for _, f := range filters {
		q.Add(f.Field, f.Op+"."+f.Value)
	}
	if r.Select != "" {
		q.Set("select", r.Select)
	}
	if r.Order != "" {
		q.Set("order", r.Order)
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q.Encode()
}

// ResourceKey identifies the logical resource a read targets. Reads with the
// same key supersede each other.
func (r Request) ResourceKey() string {
	return r.Collection + "?" + r.query()
}

// Result is a successful response
type Result struct {
	Rows   []collection.Row
	Status int

	// Empty is set when the service answered 2xx with no rows, including the
	// case where a row policy silently filtered the representation.
	Empty bool

	// StartedAt is when the request that produced this result was sent
	StartedAt time.Time
}
