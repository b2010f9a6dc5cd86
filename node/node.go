// Package node is the orchestrator: it owns the group set, the persistence
// blob, the supervisor tick and the single executor goroutine on which all
// core state is mutated.
package node

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kacper-marzecki/tibidi/eventlog"
	"github.com/kacper-marzecki/tibidi/fabric"
	"github.com/kacper-marzecki/tibidi/group"
	"github.com/kacper-marzecki/tibidi/logger"
	"github.com/kacper-marzecki/tibidi/store"
)

// Node hosts a set of independent group replicas. Every mutation (an API
// call, a fabric callback, a timer fire) runs as a closure on one executor
// goroutine, so the core needs no further locking.
type Node struct {
	cfg *Config
	st  store.Store
	fab fabric.Fabric

	// Executor-owned state. Only the run goroutine touches these.
	groups        map[string]*group.Group
	leaving       map[string]*group.Group
	activeGroupID string

	ops    chan func()
	quit   chan struct{}
	done   chan struct{}
	notify chan struct{}

	closeOnce sync.Once
}

// New creates a node. Call Initialize to load persisted state and start
// networking.
func New(cfg *Config, st store.Store, fab fabric.Fabric) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		cfg:     cfg,
		st:      st,
		fab:     fab,
		groups:  make(map[string]*group.Group),
		leaving: make(map[string]*group.Group),
		ops:     make(chan func(), 1024),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}, nil
}

// post schedules a closure on the executor without waiting. Used by fabric
// callbacks and timers; closures posted after Close are dropped.
func (n *Node) post(fn func()) {
	select {
	case n.ops <- fn:
	case <-n.quit:
	}
}

// call runs a closure on the executor and waits for it.
func (n *Node) call(fn func()) error {
	ran := make(chan struct{})
	select {
	case n.ops <- func() { fn(); close(ran) }:
	case <-n.quit:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-n.done:
		return ErrStopped
	}
}

func (n *Node) run() {
	ticker := time.NewTicker(n.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case fn := <-n.ops:
			fn()
		case <-ticker.C:
			for _, g := range n.groups {
				g.Tick()
			}
		case <-n.quit:
			n.persist()
			for _, g := range n.groups {
				g.Destroy()
			}
			for _, g := range n.leaving {
				g.Destroy()
			}
			if err := n.st.Close(); err != nil {
				logger.Errorf("closing store: %v", err)
			}
			close(n.done)
			return
		}
	}
}

// Initialize loads the persisted state, instantiates each group with its
// stored log and identity, starts each group's fabric endpoint and the
// supervisor tick.
func (n *Node) Initialize() error {
	go n.run()
	var loadErr error
	err := n.call(func() {
		state, err := n.st.Load()
		if err != nil {
			loadErr = err
			return
		}
		n.activeGroupID = state.ActiveGroupID
		for _, gs := range state.Groups {
			g := n.newGroup(gs.ID, gs.Name, gs.MyPeerID, gs.Events)
			n.groups[g.ID()] = g
			g.Start()
		}
		if _, ok := n.groups[n.activeGroupID]; !ok {
			n.activeGroupID = ""
		}
		logger.Infof("node initialized with %d group(s)", len(n.groups))
	})
	if err != nil {
		return err
	}
	return loadErr
}

// Close persists, tears down every group and stops the executor.
func (n *Node) Close() {
	n.closeOnce.Do(func() { close(n.quit) })
	<-n.done
}

func (n *Node) newGroup(id, name, myPeerID string, events []eventlog.Event) *group.Group {
	return group.New(id, name, myPeerID, events, group.Deps{
		Now:          n.cfg.Now,
		NewID:        n.cfg.NewID,
		Fabric:       n.fab,
		FabricConfig: n.cfg.Fabric,
		Timings:      n.cfg.Timings,
		Exec:         n.post,
		Logf:         logger.Printf,
		OnChange:     func(*group.Group) { n.changed() },
	})
}

// changed persists the current state and pokes view subscribers. Runs on the
// executor.
func (n *Node) changed() {
	n.persist()
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Node) persist() {
	state := store.NewState()
	state.ActiveGroupID = n.activeGroupID
	for id, g := range n.groups {
		state.Groups[id] = &store.GroupState{
			ID:       id,
			Name:     g.Name(),
			MyPeerID: g.MyPeerID(),
			Events:   g.Events(),
		}
	}
	if err := n.st.Save(state); err != nil {
		logger.Errorf("persist failed: %v", err)
	}
}

// Updates returns a channel that receives a tick whenever replicated or
// derived state changed. Consumers use it to refresh views.
func (n *Node) Updates() <-chan struct{} { return n.notify }

// CreateGroup creates a fresh group with this node as its first member and
// makes it active.
func (n *Node) CreateGroup(name string) (GroupInfo, error) {
	var info GroupInfo
	var opErr error
	err := n.call(func() {
		g := n.newGroup(n.cfg.NewID(), name, n.cfg.NewID(), nil)
		n.groups[g.ID()] = g
		if _, e := g.AppendLocal(eventlog.TypeGroupCreated, eventlog.GroupCreatedPayload{Name: name}); e != nil {
			opErr = e
			delete(n.groups, g.ID())
			return
		}
		g.Start()
		n.activeGroupID = g.ID()
		n.changed()
		info = n.groupInfo(g)
		logger.Infof("created group %q (%s)", name, g.ID())
	})
	if err != nil {
		return GroupInfo{}, err
	}
	return info, opErr
}

// JoinGroup parses an invite and either dials the bootstrap peer of an
// already-known group or creates a new empty replica that will adopt the
// real group name on its first sync.
func (n *Node) JoinGroup(inviteCode string) (GroupInfo, error) {
	inv, err := ParseInvite(inviteCode)
	if err != nil {
		return GroupInfo{}, err
	}
	var info GroupInfo
	err = n.call(func() {
		if g, known := n.groups[inv.GroupID]; known {
			g.Connect(inv.PeerID)
			n.activeGroupID = g.ID()
			n.changed()
			info = n.groupInfo(g)
			return
		}
		g := n.newGroup(inv.GroupID, group.PlaceholderName, n.cfg.NewID(), nil)
		g.AddSeed(inv.PeerID)
		n.groups[g.ID()] = g
		g.Start()
		n.activeGroupID = g.ID()
		n.changed()
		info = n.groupInfo(g)
		logger.Infof("joining group %s via peer %s", inv.GroupID, inv.PeerID)
	})
	if err != nil {
		return GroupInfo{}, err
	}
	return info, nil
}

// LeaveGroup broadcasts a best-effort MEMBER_LEFT to the currently open
// sessions, then after a short grace destroys the endpoint and purges the
// replica from persistence.
func (n *Node) LeaveGroup(id string) error {
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[id]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		if _, e := g.AppendLocal(eventlog.TypeMemberLeft, struct{}{}); e != nil {
			logger.Errorf("member-left broadcast failed: %v", e)
		}
		delete(n.groups, id)
		n.leaving[id] = g
		if n.activeGroupID == id {
			n.activeGroupID = ""
		}
		time.AfterFunc(n.cfg.LeaveGrace, func() {
			n.post(func() {
				if gone, still := n.leaving[id]; still {
					delete(n.leaving, id)
					gone.Destroy()
					n.changed()
				}
			})
		})
		logger.Infof("leaving group %s", id)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetActiveGroup records which group the UI is focused on. Persisted.
func (n *Node) SetActiveGroup(id string) error {
	var opErr error
	err := n.call(func() {
		if _, ok := n.groups[id]; !ok && id != "" {
			opErr = ErrUnknownGroup
			return
		}
		n.activeGroupID = id
		n.changed()
	})
	if err != nil {
		return err
	}
	return opErr
}

// ForgetMember purges a member's events from the local replica and drops any
// live session to them. Purely local; other replicas are unaffected.
func (n *Node) ForgetMember(groupID, peerID string) error {
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		g.Forget(peerID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// SendMessage appends a chat message to the group and broadcasts it.
func (n *Node) SendMessage(groupID, text string) error {
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		_, opErr = g.AppendLocal(eventlog.TypeMessageAdded, eventlog.MessageAddedPayload{Text: text})
	})
	if err != nil {
		return err
	}
	return opErr
}

// Invite returns the invite code for a group: a JSON string carrying the
// group id and this node's peer id as the bootstrap contact.
func (n *Node) Invite(groupID string) (string, error) {
	var code string
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		raw, e := json.Marshal(Invite{GroupID: g.ID(), PeerID: g.MyPeerID()})
		if e != nil {
			opErr = e
			return
		}
		code = string(raw)
	})
	if err != nil {
		return "", err
	}
	return code, opErr
}
