package db

import (
	"context"
	"sync"

	"github.com/erauner12/tenantmirror/internal/collection"
)

// MemoryStore keeps rows in process. Used by tests and `server -memory`.
type MemoryStore struct {
	specs *collection.Registry

	mu     sync.Mutex
	rows   map[string][]collection.Row
	nextID int64
}

// NewMemoryStore creates an empty store enforcing the natural keys of specs
func NewMemoryStore(specs *collection.Registry) *MemoryStore {
	if specs == nil {
		specs = collection.NewRegistry()
	}
	return &MemoryStore{specs: specs, rows: make(map[string][]collection.Row)}
}

func (s *MemoryStore) naturalKey(coll string) string {
	spec, err := s.specs.Lookup(coll)
	if err != nil {
		return ""
	}
	return spec.NaturalKey
}

// conflict reports an existing row other than skip with the same natural key
func (s *MemoryStore) conflict(coll string, row collection.Row, skip int) error {
	nk := s.naturalKey(coll)
	if nk == "" || row[nk] == nil {
		return nil
	}
	want := collection.Stringify(row[nk])
	for i, r := range s.rows[coll] {
		if i != skip && collection.Stringify(r[nk]) == want {
			return &UniqueViolation{Collection: coll, Field: nk, Value: want}
		}
	}
	return nil
}

func (s *MemoryStore) Select(_ context.Context, coll string, filters []Filter, limit int) ([]collection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []collection.Row{}
	for _, r := range s.rows[coll] {
		if Matches(r, filters) {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, coll string, row collection.Row) (collection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conflict(coll, row, -1); err != nil {
		return nil, err
	}
	s.nextID++
	stored := collection.Clone(row)
	stored["id"] = float64(s.nextID)
	s.rows[coll] = append(s.rows[coll], stored)
	return stored, nil
}

func (s *MemoryStore) Update(_ context.Context, coll string, filters []Filter, patch collection.Row) ([]collection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []collection.Row{}
	for i, r := range s.rows[coll] {
		if !Matches(r, filters) {
			continue
		}
		next := collection.Merge(r, patch)
		next["id"] = r["id"]
		if err := s.conflict(coll, next, i); err != nil {
			return nil, err
		}
		s.rows[coll][i] = next
		out = append(out, next)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, coll string, filters []Filter) ([]collection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []collection.Row{}
	var keep []collection.Row
	for _, r := range s.rows[coll] {
		if Matches(r, filters) {
			out = append(out, r)
			continue
		}
		keep = append(keep, r)
	}
	s.rows[coll] = keep
	return out, nil
}
