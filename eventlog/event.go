package eventlog

import (
	"encoding/json"
	"strings"
)

// Event types understood by the derived views. Unknown types are still
// merged into the log so that newer nodes can introduce types without
// breaking older ones; they simply derive no state here.
const (
	TypeGroupCreated = "GROUP_CREATED"
	TypeMessageAdded = "MESSAGE_ADDED"
	TypeMemberLeft   = "MEMBER_LEFT"
)

// Event is the atomic unit of replicated state. Events are immutable once
// created; they are only ever removed locally by a forget operation.
type Event struct {
	ID           string          `json:"id"`
	Timestamp    int64           `json:"timestamp"` // milliseconds since epoch
	AuthorPeerID string          `json:"authorPeerId"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// GroupCreatedPayload is the payload of a GROUP_CREATED event.
type GroupCreatedPayload struct {
	Name string `json:"name"`
}

// MessageAddedPayload is the payload of a MESSAGE_ADDED event.
type MessageAddedPayload struct {
	Text string `json:"text"`
}

// Name extracts the group name from a GROUP_CREATED event. Returns "" for
// any other type or an undecodable payload.
func (e Event) Name() string {
	if e.Type != TypeGroupCreated {
		return ""
	}
	var p GroupCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Name
}

// Text extracts the message text from a MESSAGE_ADDED event. Returns "" for
// any other type or an undecodable payload.
func (e Event) Text() string {
	if e.Type != TypeMessageAdded {
		return ""
	}
	var p MessageAddedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Text
}

// Compare is the single total-order rule of the system: timestamp ascending,
// then author peer id lexicographic, then event id lexicographic. Every
// replica applies exactly this comparator, which is what makes the logs
// converge byte-for-byte. The id tie-break keeps the order total when one
// author emits two events within the same millisecond.
func Compare(a, b Event) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.AuthorPeerID, b.AuthorPeerID); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
