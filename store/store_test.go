package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacper-marzecki/tibidi/eventlog"
)

func sampleState() *State {
	s := NewState()
	s.ActiveGroupID = "g1"
	s.Groups["g1"] = &GroupState{
		ID:       "g1",
		Name:     "demo",
		MyPeerID: "peer-a",
		Events: []eventlog.Event{
			{ID: "e0", Timestamp: 100, AuthorPeerID: "peer-a", Type: eventlog.TypeGroupCreated, Payload: json.RawMessage(`{"name":"demo"}`)},
			{ID: "e1", Timestamp: 200, AuthorPeerID: "peer-a", Type: eventlog.TypeMessageAdded, Payload: json.RawMessage(`{"text":"hi"}`)},
		},
	}
	return s
}

func TestBoltRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := OpenBolt(path)
	require.NoError(t, err)

	require.NoError(t, st.Save(sampleState()))
	require.NoError(t, st.Close())

	st, err = OpenBolt(path)
	require.NoError(t, err)
	defer st.Close()

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "g1", loaded.ActiveGroupID)
	require.Contains(t, loaded.Groups, "g1")
	assert.Equal(t, "demo", loaded.Groups["g1"].Name)
	assert.Equal(t, "peer-a", loaded.Groups["g1"].MyPeerID)
	assert.Len(t, loaded.Groups["g1"].Events, 2)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
}

func TestLoadOfEmptyDatabase(t *testing.T) {
	st, err := OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer st.Close()

	s, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, s.Groups)
	assert.Empty(t, s.ActiveGroupID)
}

func TestMalformedBlobYieldsEmptyState(t *testing.T) {
	s := decodeState([]byte(`{not json`))
	assert.NotNil(t, s)
	assert.Empty(t, s.Groups)

	// Unknown fields are ignored.
	s = decodeState([]byte(`{"groups":{},"activeGroupId":"g1","futureField":42}`))
	assert.Equal(t, "g1", s.ActiveGroupID)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.Groups)

	require.NoError(t, m.Save(sampleState()))
	loaded, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "g1", loaded.ActiveGroupID)
	require.NoError(t, m.Close())
}
