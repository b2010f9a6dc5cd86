package group

import (
	"encoding/json"

	"github.com/kacper-marzecki/tibidi/eventlog"
)

// Wire frame types. All frames are UTF-8 JSON objects with a type
// discriminator and a payload field, omitted for PING/PONG.
const (
	FrameSyncRequest    = "SYNC_REQUEST"
	FrameSyncResponse   = "SYNC_RESPONSE"
	FrameEventBroadcast = "EVENT_BROADCAST"
	FramePing           = "PING"
	FramePong           = "PONG"
)

// Frame is the envelope for every message on a session.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SyncRequestPayload carries the ids of every event the sender holds. The
// receiver answers with whatever the sender lacks, or stays silent if the
// sender is already up to date.
type SyncRequestPayload struct {
	EventIDs []string `json:"eventIds"`
}

// SyncResponsePayload carries the events missing from the requester's log.
type SyncResponsePayload struct {
	MissingEvents []eventlog.Event `json:"missingEvents"`
}

// EventBroadcastPayload carries one freshly authored event.
type EventBroadcastPayload struct {
	Event eventlog.Event `json:"event"`
}

// EncodeFrame serialises a frame with the given payload. A nil payload
// produces a bare {type} frame.
func EncodeFrame(frameType string, payload interface{}) ([]byte, error) {
	f := Frame{Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// sendSyncRequest starts anti-entropy on a freshly opened session: both ends
// announce their full id set and each request is answered independently.
func (g *Group) sendSyncRequest(s *session) {
	data, err := EncodeFrame(FrameSyncRequest, SyncRequestPayload{EventIDs: g.log.IDs()})
	if err != nil {
		g.logf("encode sync request: %v", err)
		return
	}
	s.send(data)
}

func (g *Group) sendPing(s *session) {
	data, err := EncodeFrame(FramePing, nil)
	if err != nil {
		return
	}
	s.send(data)
}

// broadcast fans a locally authored event out to every open session. Remote
// peers never re-forward broadcasts: each event reaches each peer directly
// over the mesh, and any delivery lost to a dying session is repaired by the
// on-open sync of the next session.
func (g *Group) broadcast(e eventlog.Event) {
	data, err := EncodeFrame(FrameEventBroadcast, EventBroadcastPayload{Event: e})
	if err != nil {
		g.logf("encode broadcast: %v", err)
		return
	}
	for _, s := range g.sessions {
		s.send(data)
	}
}

// sessionData handles one inbound frame. Every frame, whatever its type,
// counts as proof of life for the peer.
func (g *Group) sessionData(s *session, data []byte) {
	if s.state != stateOpen {
		return
	}
	g.lastHeard[s.remote] = g.deps.Now()

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		g.logf("malformed frame from %s: %v", s.remote, err)
		return
	}

	switch f.Type {
	case FrameSyncRequest:
		var p SyncRequestPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			g.logf("malformed sync request from %s: %v", s.remote, err)
			return
		}
		missing := g.log.MissingRelativeTo(p.EventIDs)
		if len(missing) == 0 {
			return // silence signifies "you are up to date"
		}
		resp, err := EncodeFrame(FrameSyncResponse, SyncResponsePayload{MissingEvents: missing})
		if err != nil {
			g.logf("encode sync response: %v", err)
			return
		}
		s.send(resp)

	case FrameSyncResponse:
		var p SyncResponsePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			g.logf("malformed sync response from %s: %v", s.remote, err)
			return
		}
		if fresh := g.MergeRemote(p.MissingEvents); len(fresh) > 0 {
			g.logf("synced %d events from %s", len(fresh), s.remote)
		}

	case FrameEventBroadcast:
		var p EventBroadcastPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			g.logf("malformed broadcast from %s: %v", s.remote, err)
			return
		}
		g.MergeRemote([]eventlog.Event{p.Event})

	case FramePing:
		pong, err := EncodeFrame(FramePong, nil)
		if err != nil {
			return
		}
		s.send(pong)

	case FramePong:
		// Nothing beyond the liveness stamp.

	default:
		g.logf("unknown frame type %q from %s", f.Type, s.remote)
	}
}
