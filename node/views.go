package node

import (
	"sort"

	"github.com/kacper-marzecki/tibidi/eventlog"
	"github.com/kacper-marzecki/tibidi/group"
)

// GroupInfo is the UI-facing summary of one group.
type GroupInfo struct {
	ID        string
	Name      string
	MyPeerID  string
	Members   []string
	Connected []string
	Events    int
}

// ChatMessage is one MESSAGE_ADDED event rendered for the UI. Author is
// "You" for locally authored messages, otherwise the author's peer id.
type ChatMessage struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func (n *Node) groupInfo(g *group.Group) GroupInfo {
	members := g.Members()
	sort.Strings(members)
	connected := g.OpenPeers()
	sort.Strings(connected)
	return GroupInfo{
		ID:        g.ID(),
		Name:      g.Name(),
		MyPeerID:  g.MyPeerID(),
		Members:   members,
		Connected: connected,
		Events:    len(g.Events()),
	}
}

// Groups returns every hosted group, sorted by name then id for stable
// rendering.
func (n *Node) Groups() []GroupInfo {
	var infos []GroupInfo
	_ = n.call(func() {
		for _, g := range n.groups {
			infos = append(infos, n.groupInfo(g))
		}
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// ActiveGroupID returns the UI's focused group, or "".
func (n *Node) ActiveGroupID() string {
	var id string
	_ = n.call(func() { id = n.activeGroupID })
	return id
}

// Group returns the summary for one group.
func (n *Node) Group(id string) (GroupInfo, error) {
	var info GroupInfo
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[id]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		info = n.groupInfo(g)
	})
	if err != nil {
		return GroupInfo{}, err
	}
	return info, opErr
}

// Events returns the group's full log in its converged order.
func (n *Node) Events(groupID string) ([]eventlog.Event, error) {
	var events []eventlog.Event
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		events = g.Events()
	})
	if err != nil {
		return nil, err
	}
	return events, opErr
}

// ChatMessages returns the group's MESSAGE_ADDED events in log order,
// rendered for the UI. Events of unknown type derive nothing.
func (n *Node) ChatMessages(groupID string) ([]ChatMessage, error) {
	var msgs []ChatMessage
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		for _, e := range g.Events() {
			if e.Type != eventlog.TypeMessageAdded {
				continue
			}
			author := e.AuthorPeerID
			if author == g.MyPeerID() {
				author = "You"
			}
			msgs = append(msgs, ChatMessage{
				ID:        e.ID,
				Author:    author,
				Text:      e.Text(),
				Timestamp: e.Timestamp,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return msgs, opErr
}

// Members returns the distinct authors currently in the group's log.
func (n *Node) Members(groupID string) ([]string, error) {
	var members []string
	var opErr error
	err := n.call(func() {
		g, ok := n.groups[groupID]
		if !ok {
			opErr = ErrUnknownGroup
			return
		}
		members = g.Members()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, opErr
}
