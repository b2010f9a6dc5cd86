package group

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacper-marzecki/tibidi/eventlog"
)

// testGroup builds a replica with a manual clock, sequential ids and no
// networking; replica semantics need no fabric.
func testGroup(t *testing.T, myPeerID string) (*Group, *int) {
	t.Helper()
	now := int64(1000)
	seq := 0
	changes := 0
	g := New("g1", "demo", myPeerID, nil, Deps{
		Now:   func() int64 { now++; return now },
		NewID: func() string { seq++; return fmt.Sprintf("%s-%d", myPeerID, seq) },
		Exec:  func(fn func()) { fn() },
		Logf:  func(string, ...interface{}) {},
		OnChange: func(*Group) {
			changes++
		},
		Timings: DefaultTimings(),
	})
	return g, &changes
}

func remoteEvent(id string, ts int64, author, eventType string, payload interface{}) eventlog.Event {
	raw, _ := json.Marshal(payload)
	return eventlog.Event{ID: id, Timestamp: ts, AuthorPeerID: author, Type: eventType, Payload: raw}
}

func TestAppendLocal(t *testing.T) {
	g, changes := testGroup(t, "me")

	e, err := g.AppendLocal(eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "me-1", e.ID)
	assert.Equal(t, "me", e.AuthorPeerID)
	assert.Equal(t, eventlog.TypeMessageAdded, e.Type)
	assert.Equal(t, "hi", e.Text())

	events := g.Events()
	require.Len(t, events, 1)
	assert.Equal(t, e, events[0])
	assert.Equal(t, 1, *changes)
	assert.Equal(t, []string{"me"}, g.Members())
}

func TestMergeRemoteReturnsOnlyFresh(t *testing.T) {
	g, _ := testGroup(t, "me")
	e1 := remoteEvent("r1", 100, "peer-b", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "a"})
	e2 := remoteEvent("r2", 200, "peer-b", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "b"})

	fresh := g.MergeRemote([]eventlog.Event{e1, e2})
	assert.Len(t, fresh, 2)

	// Applying the same response twice equals applying it once.
	fresh = g.MergeRemote([]eventlog.Event{e1, e2})
	assert.Empty(t, fresh)
	assert.Len(t, g.Events(), 2)
}

func TestMergeRemoteAdoptsGroupName(t *testing.T) {
	g, _ := testGroup(t, "me")
	g.name = PlaceholderName

	g.MergeRemote([]eventlog.Event{
		remoteEvent("r0", 50, "creator", eventlog.TypeGroupCreated, eventlog.GroupCreatedPayload{Name: "book club"}),
	})
	assert.Equal(t, "book club", g.Name())
}

func TestMergeRemoteKeepsUnknownTypes(t *testing.T) {
	g, _ := testGroup(t, "me")
	fresh := g.MergeRemote([]eventlog.Event{
		remoteEvent("r1", 100, "peer-b", "TASK_COMPLETED", map[string]string{"task": "t1"}),
	})
	assert.Len(t, fresh, 1)
	assert.True(t, g.log.Contains("r1"))
	assert.Contains(t, g.Members(), "peer-b")
}

func TestForgetRemovesExactlyOneAuthor(t *testing.T) {
	g, _ := testGroup(t, "me")
	g.MergeRemote([]eventlog.Event{
		remoteEvent("e0", 100, "a", eventlog.TypeGroupCreated, eventlog.GroupCreatedPayload{Name: "demo"}),
		remoteEvent("e1", 200, "b", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "one"}),
		remoteEvent("e2", 300, "c", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "two"}),
		remoteEvent("e3", 400, "b", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "three"}),
	})

	g.Forget("b")

	events := g.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "e0", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
	assert.NotContains(t, g.Members(), "b")

	// Forgetting again is harmless.
	g.Forget("b")
	assert.Len(t, g.Events(), 2)
}

func TestFrameRoundTrip(t *testing.T) {
	e := remoteEvent("e1", 100, "a", eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: "hi"})

	data, err := EncodeFrame(FrameEventBroadcast, EventBroadcastPayload{Event: e})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FrameEventBroadcast, f.Type)

	var p EventBroadcastPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, e.ID, p.Event.ID)
	assert.Equal(t, e.Timestamp, p.Event.Timestamp)
	assert.JSONEq(t, string(e.Payload), string(p.Event.Payload))
}

func TestPingFrameHasNoPayload(t *testing.T) {
	data, err := EncodeFrame(FramePing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PING"}`, string(data))
}

func TestSyncRequestCarriesEmptyIDList(t *testing.T) {
	// A joiner with an empty log must send eventIds: [], not null.
	g, _ := testGroup(t, "me")
	data, err := EncodeFrame(FrameSyncRequest, SyncRequestPayload{EventIDs: g.log.IDs()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SYNC_REQUEST","payload":{"eventIds":[]}}`, string(data))
}
