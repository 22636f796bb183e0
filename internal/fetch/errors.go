package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed request
type Kind string

const (
	KindAuthExpired      Kind = "AuthExpired"
	KindPermissionDenied Kind = "PermissionDenied"
	KindDuplicateKey     Kind = "DuplicateKey"
	KindValidation       Kind = "ValidationError"
	KindNotFound         Kind = "NotFound"
	KindTimeout          Kind = "Timeout"
	KindUnknown          Kind = "Unknown"

	// KindCanceled means the caller stopped waiting (teardown). It is never
	// shown to users.
	KindCanceled Kind = "Canceled"
)

// Error is the typed failure returned by Client. Status and Body are kept
// verbatim for KindUnknown so callers can report what the service said.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Details string
	Hint    string
	Body    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("%s: status %d (%s): %s", e.Kind, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, KindUnknown for foreign errors and "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// serviceError is the error document returned by the REST service
type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
	Error   string `json:"error"`
}

// Classify maps a non-2xx response to a typed Error. A body that is not a
// service error document is kept raw and the message falls back to the
// status line.
func Classify(status int, body []byte) *Error {
	e := &Error{Status: status, Body: string(body)}

	var doc serviceError
	if err := json.Unmarshal(body, &doc); err == nil {
		e.Code = doc.Code
		e.Message = doc.Message
		if e.Message == "" {
			e.Message = doc.Error
		}
		e.Details = doc.Details
		e.Hint = doc.Hint
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(fmt.Sprintf("%d %s", status, http.StatusText(status)))
	}

	e.Kind = classifyKind(status, e.Code, e.Message)
	return e
}

func classifyKind(status int, code, message string) Kind {
	msg := strings.ToLower(message)

	switch {
	case status == http.StatusUnauthorized,
		strings.Contains(msg, "jwt"),
		code == "PGRST301", code == "PGRST302":
		return KindAuthExpired

	case status == http.StatusForbidden,
		code == "42501",
		strings.Contains(msg, "row-level security"),
		strings.Contains(msg, "row level security"):
		return KindPermissionDenied

	case status == http.StatusConflict, code == "23505":
		return KindDuplicateKey

	case status == http.StatusNotFound:
		return KindNotFound

	case status == http.StatusBadRequest,
		strings.HasPrefix(code, "22"),
		strings.HasPrefix(code, "23"):
		return KindValidation

	default:
		return KindUnknown
	}
}
