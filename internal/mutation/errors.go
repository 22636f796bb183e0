package mutation

import (
	"errors"
	"fmt"

	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/schema"
)

// Failure is the error returned by Gateway operations. Message is meant for
// the operator; Cause keeps the underlying error for logs.
type Failure struct {
	Kind    fetch.Kind
	Message string
	Cause   error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Cause }

// ErrNotVerified is the cause recorded when an empty acknowledgement could
// not be confirmed by the verification read.
var ErrNotVerified = errors.New("write acknowledged without representation and not visible on verification")

// ErrNoNaturalKey is the cause recorded when a create cannot be verified
// because the draft carries no natural key value.
var ErrNoNaturalKey = errors.New("draft has no natural key to verify by")

// Message maps a failure kind to the text shown to the operator
func Message(kind fetch.Kind, detail string, status int) string {
	switch kind {
	case fetch.KindAuthExpired:
		return "session expired, please sign in again"
	case fetch.KindPermissionDenied:
		return "permission denied, check access policy"
	case fetch.KindDuplicateKey:
		return "duplicate entry"
	case fetch.KindValidation:
		if detail == "" {
			return "validation failed"
		}
		return "validation failed: " + detail
	case fetch.KindNotFound:
		return "record not found"
	case fetch.KindTimeout:
		return "request timed out"
	case fetch.KindCanceled:
		return "request canceled"
	default:
		if status == 0 {
			return "unexpected error"
		}
		return fmt.Sprintf("unexpected error (status %d)", status)
	}
}

// failureFrom converts any error from the fetch or schema layers
func failureFrom(err error) *Failure {
	var se *schema.Error
	if errors.As(err, &se) {
		return &Failure{Kind: fetch.KindValidation, Message: Message(fetch.KindValidation, se.Reason, 0), Cause: err}
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		detail := ""
		if fe.Kind == fetch.KindValidation {
			detail = fe.Message
		}
		return &Failure{Kind: fe.Kind, Message: Message(fe.Kind, detail, fe.Status), Cause: err}
	}
	return &Failure{Kind: fetch.KindUnknown, Message: Message(fetch.KindUnknown, "", 0), Cause: err}
}

func denied(cause error) *Failure {
	return &Failure{Kind: fetch.KindPermissionDenied, Message: Message(fetch.KindPermissionDenied, "", 0), Cause: cause}
}

// KindOf returns the kind of a Gateway error, "" for nil
func KindOf(err error) fetch.Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return fetch.KindOf(err)
}
