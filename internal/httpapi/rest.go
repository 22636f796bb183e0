package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/db"
	"github.com/erauner12/tenantmirror/internal/push"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// reserved query keys that are not column filters
var reserved = map[string]bool{"select": true, "order": true, "limit": true, "offset": true, "apikey": true}

// parseFilters reads field=op.value pairs
func parseFilters(q url.Values) ([]db.Filter, error) {
	var out []db.Filter
	for field, vals := range q {
		if reserved[field] {
			continue
		}
		for _, v := range vals {
			op, value, ok := strings.Cut(v, ".")
			if !ok {
				return nil, fmt.Errorf("malformed filter %s=%s", field, v)
			}
			switch op {
			case "eq":
			case "is":
				if value != "null" {
					return nil, fmt.Errorf("unsupported value for is: %s", value)
				}
			default:
				return nil, fmt.Errorf("unsupported operator %q", op)
			}
			out = append(out, db.Filter{Field: field, Op: op, Value: value})
		}
	}
	return out, nil
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func wantsRepresentation(r *http.Request) bool {
	for _, pref := range strings.Split(r.Header.Get("Prefer"), ",") {
		if strings.TrimSpace(pref) == "return=representation" {
			return true
		}
	}
	return false
}

// target resolves the collection and principal shared by every handler
func (s *Server) target(w http.ResponseWriter, r *http.Request) (collection.Spec, credential.Principal, []db.Filter, bool) {
	name := chi.URLParam(r, "collection")
	spec, err := s.Collections.Lookup(name)
	if err != nil {
		writeError(w, r, http.StatusNotFound, apiError{
			Code:    "42P01",
			Message: fmt.Sprintf("relation \"public.%s\" does not exist", name),
		})
		return collection.Spec{}, credential.Principal{}, nil, false
	}
	p, _ := auth.PrincipalFrom(r.Context())

	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apiError{Code: "PGRST100", Message: err.Error()})
		return collection.Spec{}, credential.Principal{}, nil, false
	}
	return spec, p, filters, true
}

// writeRows answers a write. Rows are echoed only when asked for and the
// policy does not hide them.
func (s *Server) writeRows(w http.ResponseWriter, r *http.Request, status int, rows []collection.Row) {
	if !wantsRepresentation(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.Policy.HideRepresentation || rows == nil {
		rows = []collection.Row{}
	}
	writeJSON(w, status, rows)
}

func (s *Server) denied(w http.ResponseWriter, r *http.Request, spec collection.Spec, status int) {
	if s.Policy.Violation == ViolationFilter {
		log.Ctx(r.Context()).Debug().Str("collection", spec.Name).Msg("write filtered by row policy")
		s.writeRows(w, r, status, nil)
		return
	}
	writeError(w, r, http.StatusForbidden, apiError{
		Code:    "42501",
		Message: fmt.Sprintf("new row violates row-level security policy for table \"%s\"", spec.Name),
	})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	var uv *db.UniqueViolation
	if errors.As(err, &uv) {
		writeError(w, r, http.StatusConflict, apiError{
			Code:    "23505",
			Message: uv.Error(),
			Details: fmt.Sprintf("Key (%s)=(%s) already exists.", uv.Field, uv.Value),
		})
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Msg("store operation failed")
	writeError(w, r, http.StatusInternalServerError, apiError{Message: "internal error"})
}

// visible selects the matching rows p is allowed to see
func (s *Server) visible(r *http.Request, spec collection.Spec, p credential.Principal, filters []db.Filter) ([]collection.Row, error) {
	rows, err := s.Store.Select(r.Context(), spec.Name, filters, 0)
	if err != nil {
		return nil, err
	}
	out := make([]collection.Row, 0, len(rows))
	for _, row := range rows {
		if s.Policy.Visible(spec, p, row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func byID(spec collection.Spec, row collection.Row) []db.Filter {
	id, _ := spec.ID(row)
	return []db.Filter{{Field: spec.IDField, Op: "eq", Value: id}}
}

// List handles GET /rest/v1/{collection}
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	spec, p, filters, ok := s.target(w, r)
	if !ok {
		return
	}
	rows, err := s.visible(r, spec, p, filters)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if limit := parseLimit(r.URL.Query().Get("limit"), 0, 10000); limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	writeJSON(w, http.StatusOK, rows)
}

// decodeRows accepts one object or an array of objects
func decodeRows(r *http.Request) ([]collection.Row, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) > 0 && raw[0] == '[' {
		var rows []collection.Row
		err := json.Unmarshal(raw, &rows)
		return rows, err
	}
	var row collection.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return []collection.Row{row}, nil
}

// Create handles POST /rest/v1/{collection}
func (s *Server) Create(w http.ResponseWriter, r *http.Request) {
	spec, p, _, ok := s.target(w, r)
	if !ok {
		return
	}
	drafts, err := decodeRows(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apiError{Code: "PGRST102", Message: "invalid JSON body"})
		return
	}

	for _, d := range drafts {
		if !s.Policy.Writable(spec, p, d) {
			s.denied(w, r, spec, http.StatusCreated)
			return
		}
	}

	created := make([]collection.Row, 0, len(drafts))
	for _, d := range drafts {
		delete(d, spec.IDField)
		row, err := s.Store.Insert(r.Context(), spec.Name, d)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		created = append(created, row)
		s.Hub.Publish(spec, push.EventInsert, row, nil)
	}
	s.writeRows(w, r, http.StatusCreated, created)
}

// Update handles PATCH /rest/v1/{collection}
func (s *Server) Update(w http.ResponseWriter, r *http.Request) {
	spec, p, filters, ok := s.target(w, r)
	if !ok {
		return
	}
	var patch collection.Row
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, r, http.StatusBadRequest, apiError{Code: "PGRST102", Message: "invalid JSON body"})
		return
	}
	delete(patch, spec.IDField)

	targets, err := s.visible(r, spec, p, filters)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	for _, old := range targets {
		if !s.Policy.Writable(spec, p, collection.Merge(old, patch)) {
			s.denied(w, r, spec, http.StatusOK)
			return
		}
	}

	updated := make([]collection.Row, 0, len(targets))
	for _, old := range targets {
		rows, err := s.Store.Update(r.Context(), spec.Name, byID(spec, old), patch)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		for _, row := range rows {
			updated = append(updated, row)
			s.Hub.Publish(spec, push.EventUpdate, row, old)
		}
	}
	s.writeRows(w, r, http.StatusOK, updated)
}

// Delete handles DELETE /rest/v1/{collection}
func (s *Server) Delete(w http.ResponseWriter, r *http.Request) {
	spec, p, filters, ok := s.target(w, r)
	if !ok {
		return
	}
	targets, err := s.visible(r, spec, p, filters)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	for _, old := range targets {
		if !s.Policy.Writable(spec, p, old) {
			s.denied(w, r, spec, http.StatusOK)
			return
		}
	}

	deleted := make([]collection.Row, 0, len(targets))
	for _, old := range targets {
		rows, err := s.Store.Delete(r.Context(), spec.Name, byID(spec, old))
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		for _, row := range rows {
			deleted = append(deleted, row)
			s.Hub.Publish(spec, push.EventDelete, nil, row)
		}
	}
	s.writeRows(w, r, http.StatusOK, deleted)
}
