package push

import (
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
)

// Frame types exchanged on the push channel
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameHeartbeat   = "heartbeat"
	FrameStatus      = "status"
	FrameChange      = "change"
)

// Event types carried by change frames
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Frame is the single envelope used in both directions
type Frame struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Topic   string         `json:"topic,omitempty"`
	Token   string         `json:"token,omitempty"`
	Config  *TopicConfig   `json:"config,omitempty"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload *ChangePayload `json:"payload,omitempty"`
}

// TopicConfig selects the changes a subscription receives
type TopicConfig struct {
	Event  string `json:"event"` // "*" or one of the event types
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangePayload is one row change
type ChangePayload struct {
	EventType       string         `json:"eventType"`
	New             collection.Row `json:"new,omitempty"`
	Old             collection.Row `json:"old,omitempty"`
	CommitTimestamp string         `json:"commitTimestamp,omitempty"`
}

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel-error"
	StatusTimedOut     Status = "timed-out"
	StatusClosed       Status = "closed"
)

// Kind is the kind of a delta
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is a decoded delta. ReceivedAt is stamped locally on receipt.
type Change struct {
	Kind       Kind
	New        collection.Row
	Old        collection.Row
	CommitAt   time.Time
	ReceivedAt time.Time
}

// ChangeFromPayload decodes a payload, returning false for unknown events
func ChangeFromPayload(p *ChangePayload, receivedAt time.Time) (Change, bool) {
	if p == nil {
		return Change{}, false
	}
	c := Change{New: p.New, Old: p.Old, ReceivedAt: receivedAt}
	switch p.EventType {
	case EventInsert:
		c.Kind = KindInsert
	case EventUpdate:
		c.Kind = KindUpdate
	case EventDelete:
		c.Kind = KindDelete
	default:
		return Change{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, p.CommitTimestamp); err == nil {
		c.CommitAt = t
	}
	return c, true
}

// TopicName is the channel name for a table subscription
func TopicName(schema, table string) string {
	return "realtime:" + schema + ":" + table
}
