// Package store persists the application state as a single JSON blob.
// Writes are full-blob replacements; reads tolerate a missing or malformed
// blob by returning empty state, which the next save overwrites.
package store

import (
	"encoding/json"

	"github.com/kacper-marzecki/tibidi/eventlog"
)

// SchemaVersion is written into every blob. Readers ignore versions they do
// not recognise and fall back to empty state only on undecodable JSON.
const SchemaVersion = 1

// StateKey is the single key the blob lives under.
const StateKey = "APP_STATE"

// GroupState is the persisted part of a group: identity, derived name and
// the event log. Runtime state (sessions, endpoints, liveness stamps) is
// never persisted.
type GroupState struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	MyPeerID string           `json:"myPeerId"`
	Events   []eventlog.Event `json:"events"`
}

// State is the full persisted blob.
type State struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Groups        map[string]*GroupState `json:"groups"`
	ActiveGroupID string                 `json:"activeGroupId"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{SchemaVersion: SchemaVersion, Groups: make(map[string]*GroupState)}
}

// Store loads and saves the application state blob.
type Store interface {
	Load() (*State, error)
	Save(*State) error
	Close() error
}

func encodeState(s *State) ([]byte, error) {
	s.SchemaVersion = SchemaVersion
	return json.Marshal(s)
}

// decodeState turns a raw blob into state. Absent or malformed blobs yield
// empty state and no error; unknown fields are ignored.
func decodeState(raw []byte) *State {
	if len(raw) == 0 {
		return NewState()
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return NewState()
	}
	if s.Groups == nil {
		s.Groups = make(map[string]*GroupState)
	}
	return &s
}

// Memory is an in-process Store for tests and the demo command.
type Memory struct {
	raw []byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

// Load implements Store.
func (m *Memory) Load() (*State, error) {
	return decodeState(m.raw), nil
}

// Save implements Store.
func (m *Memory) Save(s *State) error {
	raw, err := encodeState(s)
	if err != nil {
		return err
	}
	m.raw = raw
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
