package collection

import (
	"encoding/json"
	"strconv"
	"time"
)

// Row is one record of a remote collection as decoded from JSON
type Row = map[string]any

// RowID extracts an identifier that may be encoded as a number or a string
// and normalizes it to a string key.
func RowID(row Row, field string) (string, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", false
	}
	s := Stringify(v)
	return s, s != ""
}

// Stringify renders scalar JSON values in a stable textual form
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// GetString safely extracts a string value from a row
func GetString(m Row, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// GetBool extracts a boolean, accepting "true"/"false" strings as well
func GetBool(m Row, k string) bool {
	switch v := m[k].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	}
	return false
}

// ParseTimeToMs converts various time formats to Unix milliseconds
// Accepts: RFC3339, date-only, numeric milliseconds (as string), empty (returns 0)
func ParseTimeToMs(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC().UnixMilli(), true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC().UnixMilli(), true
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, true
	}

	return 0, false
}

// GetTime reads a timestamp field stored as a string or as epoch milliseconds
func GetTime(m Row, k string) (time.Time, bool) {
	switch v := m[k].(type) {
	case string:
		if ms, ok := ParseTimeToMs(v); ok {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Time{}, false
}

// Clone returns a shallow copy of row
func Clone(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Merge returns a copy of base with patch applied on top
func Merge(base, patch Row) Row {
	out := Clone(base)
	if out == nil {
		out = make(Row, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Matches reports whether every field in patch has an equal value in row
func Matches(row, patch Row) bool {
	for k, want := range patch {
		got, ok := row[k]
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if Stringify(got) != Stringify(want) {
			return false
		}
	}
	return true
}
