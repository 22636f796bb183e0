package db

import (
	"context"
	"fmt"

	"github.com/erauner12/tenantmirror/internal/collection"
)

// Filter is a column predicate taken from the request query string
type Filter struct {
	Field string
	Op    string // "eq" or "is"
	Value string // for "is" only "null" is supported
}

// UniqueViolation is returned when an insert or update would duplicate a
// collection's natural key
type UniqueViolation struct {
	Collection string
	Field      string
	Value      string
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("duplicate key value violates unique constraint %q (%s=%s)",
		e.Collection+"_"+e.Field+"_key", e.Field, e.Value)
}

// Store persists rows of every collection. Rows get a numeric id on insert.
type Store interface {
	Select(ctx context.Context, coll string, filters []Filter, limit int) ([]collection.Row, error)
	Insert(ctx context.Context, coll string, row collection.Row) (collection.Row, error)
	Update(ctx context.Context, coll string, filters []Filter, patch collection.Row) ([]collection.Row, error)
	Delete(ctx context.Context, coll string, filters []Filter) ([]collection.Row, error)
}

// Matches applies filters to one row
func Matches(row collection.Row, filters []Filter) bool {
	for _, f := range filters {
		v, present := row[f.Field]
		switch f.Op {
		case "is":
			if f.Value == "null" && present && v != nil {
				return false
			}
		default:
			if !present || v == nil || collection.Stringify(v) != f.Value {
				return false
			}
		}
	}
	return true
}
