// Package group implements a single replicated group: the event log replica,
// the full-mesh connection manager over the peer fabric, and the sync
// protocol that reconciles divergent logs when peers meet.
//
// A Group is owned by the node orchestrator and is only ever touched from the
// node's executor; fabric callbacks re-enter through Deps.Exec. There is no
// locking here.
package group

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kacper-marzecki/tibidi/eventlog"
	"github.com/kacper-marzecki/tibidi/fabric"
)

// PlaceholderName is shown for a joined group until its GROUP_CREATED event
// arrives through the first sync.
const PlaceholderName = "Joining…"

// Timings are the liveness parameters of the mesh. The supervisor tick
// compares stamped timestamps against these; there is one timer per node, not
// per peer.
type Timings struct {
	PingAfter   time.Duration // idle time before a PING is sent
	DeadAfter   time.Duration // idle time before a session is closed
	DialTimeout time.Duration // time before an unopened dial is abandoned
}

// DefaultTimings returns the production liveness parameters.
func DefaultTimings() Timings {
	return Timings{
		PingAfter:   15 * time.Second,
		DeadAfter:   30 * time.Second,
		DialTimeout: 15 * time.Second,
	}
}

// Deps are the collaborators a Group needs. Now and NewID isolate the clock
// and id generation so tests can drive them deterministically.
type Deps struct {
	Now          func() int64 // milliseconds since epoch
	NewID        func() string
	Fabric       fabric.Fabric
	FabricConfig fabric.Config
	Timings      Timings
	// Exec posts a closure to the owning node's executor. Every fabric
	// callback goes through it so that all group state stays on one
	// goroutine.
	Exec func(fn func())
	Logf func(format string, args ...interface{})
	// OnChange fires after the log or derived name changed, so the owner can
	// persist and refresh views.
	OnChange func(g *Group)
}

// Group is one replica: identity, log, and the runtime mesh state.
type Group struct {
	id       string
	name     string
	myPeerID string
	log      *eventlog.Log
	deps     Deps

	endpoint      fabric.Endpoint
	endpointReady bool

	sessions  map[string]*session // open sessions by remote peer id
	dialing   map[string]*dial    // in-flight dials by remote peer id
	lastHeard map[string]int64    // remote peer id → last frame timestamp (ms)
	seeds     map[string]struct{} // bootstrap peers to dial besides log authors
}

type dial struct {
	sess      *session
	startedAt int64
}

// New creates a replica from restored or fresh state. The caller seeds the
// log with persisted events (possibly none) and starts networking separately
// via Start.
func New(id, name, myPeerID string, events []eventlog.Event, deps Deps) *Group {
	return &Group{
		id:        id,
		name:      name,
		myPeerID:  myPeerID,
		log:       eventlog.FromEvents(events),
		deps:      deps,
		sessions:  make(map[string]*session),
		dialing:   make(map[string]*dial),
		lastHeard: make(map[string]int64),
		seeds:     make(map[string]struct{}),
	}
}

// ID returns the group id shared by all members.
func (g *Group) ID() string { return g.id }

// MyPeerID returns this node's identity within the group.
func (g *Group) MyPeerID() string { return g.myPeerID }

// Name returns the group name, or the joining placeholder.
func (g *Group) Name() string { return g.name }

// Events returns a sorted copy of the log.
func (g *Group) Events() []eventlog.Event { return g.log.Events() }

// Members returns the distinct author peer ids in the log.
func (g *Group) Members() []string { return g.log.Authors() }

// AddSeed registers a bootstrap peer to dial until it shows up in the log.
func (g *Group) AddSeed(peerID string) {
	if peerID != "" && peerID != g.myPeerID {
		g.seeds[peerID] = struct{}{}
	}
}

// Connect seeds a peer and dials it right away. Used when an invite for an
// already-known group comes in.
func (g *Group) Connect(peerID string) {
	g.AddSeed(peerID)
	g.dialMissing()
}

// AppendLocal constructs an event authored by this node, inserts it into the
// log and broadcasts it to every open session.
func (g *Group) AppendLocal(eventType string, payload interface{}) (eventlog.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eventlog.Event{}, err
	}
	e := eventlog.Event{
		ID:           g.deps.NewID(),
		Timestamp:    g.deps.Now(),
		AuthorPeerID: g.myPeerID,
		Type:         eventType,
		Payload:      raw,
	}
	g.log.Insert(e)
	g.changed()
	g.broadcast(e)
	return e, nil
}

// MergeRemote inserts events idempotently and returns the subset that were
// new. A new GROUP_CREATED event finalises the placeholder name, and any new
// authors are dialed.
func (g *Group) MergeRemote(events []eventlog.Event) []eventlog.Event {
	var fresh []eventlog.Event
	for _, e := range events {
		if !g.log.Insert(e) {
			continue
		}
		fresh = append(fresh, e)
		if e.Type == eventlog.TypeGroupCreated {
			if name := e.Name(); name != "" {
				g.name = name
			}
		}
	}
	if len(fresh) > 0 {
		g.changed()
		g.dialMissing()
	}
	return fresh
}

// Forget removes every event authored by the given peer and drops any live
// session to them. Purely local: nothing is broadcast, and a later sync with
// a peer that still holds those events will re-deliver them.
func (g *Group) Forget(peerID string) {
	removed := g.log.RemoveAuthor(peerID)
	delete(g.seeds, peerID)
	delete(g.lastHeard, peerID)
	if d, ok := g.dialing[peerID]; ok {
		delete(g.dialing, peerID)
		d.sess.close()
	}
	if s, ok := g.sessions[peerID]; ok {
		delete(g.sessions, peerID)
		s.close()
	}
	if removed > 0 {
		g.changed()
	}
	g.logf("forgot member %s (%d events removed)", peerID, removed)
}

// OpenPeers returns the remote peer ids with an open session.
func (g *Group) OpenPeers() []string {
	peers := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		peers = append(peers, id)
	}
	return peers
}

func (g *Group) changed() {
	if g.deps.OnChange != nil {
		g.deps.OnChange(g)
	}
}

func (g *Group) logf(format string, args ...interface{}) {
	if g.deps.Logf != nil {
		g.deps.Logf("[group %s] %s", shortID(g.id), fmt.Sprintf(format, args...))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
