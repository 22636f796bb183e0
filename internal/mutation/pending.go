package mutation

import (
	"time"

	"github.com/google/uuid"
)

// Op is a mutation verb
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State of a submitted mutation
type State string

const (
	StateSubmitted     State = "submitted"
	StateAcknowledged  State = "acknowledged"
	StateVerifyPending State = "verify-pending"
	StateVerified      State = "verified"
	StateFailed        State = "failed"
)

// Pending describes one in-flight mutation
type Pending struct {
	ID          uuid.UUID
	Op          Op
	Collection  string
	TargetID    string
	NaturalKey  string
	State       State
	SubmittedAt time.Time
	ResolvedAt  time.Time
	Err         error
}
