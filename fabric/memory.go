package fabric

import (
	"errors"
	"fmt"
	"sync"
)

// Memory is an in-process fabric: a switchboard connecting endpoints by peer
// id. It backs the demo command and the end-to-end tests, where it can also
// cut individual links and kill endpoints to simulate partitions and
// transport failures.
//
// Handler callbacks are delivered from a single dispatch goroutine in the
// order the fabric queued them, mirroring the FIFO guarantee of a real
// reliable channel. Session events that arrive before SetHandler is called
// are buffered and replayed on the goroutine that calls SetHandler.
type Memory struct {
	mu        sync.Mutex
	endpoints map[string]*memEndpoint
	down      map[string]bool // "a|b" with a < b
	muted     map[string]bool // same keys; sessions stay up, frames vanish
	queue     chan func()
	closed    bool
}

// NewMemory returns a running in-memory fabric.
func NewMemory() *Memory {
	m := &Memory{
		endpoints: make(map[string]*memEndpoint),
		down:      make(map[string]bool),
		muted:     make(map[string]bool),
		queue:     make(chan func(), 4096),
	}
	go m.dispatch()
	return m
}

func (m *Memory) dispatch() {
	for fn := range m.queue {
		fn()
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
	}
}

func (m *Memory) post(fn func()) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.queue <- fn
}

// Shutdown stops callback delivery. The queue channel is never closed, so a
// racing post cannot panic; late closures are simply dropped.
func (m *Memory) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	select {
	case m.queue <- func() {}:
	default:
	}
}

func linkKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SetLinkDown cuts or restores the link between two peer ids. Cutting a link
// closes any open sessions between the two endpoints and makes new dials
// hang until they time out, the way a broken NAT path behaves.
func (m *Memory) SetLinkDown(a, b string, isDown bool) {
	m.mu.Lock()
	m.down[linkKey(a, b)] = isDown
	var toClose []*memSession
	if isDown {
		for _, ep := range m.endpoints {
			for s := range ep.sessions {
				if (s.local == a && s.remote == b) || (s.local == b && s.remote == a) {
					toClose = append(toClose, s)
				}
			}
		}
	}
	m.mu.Unlock()
	for _, s := range toClose {
		s.Close()
	}
}

// SetLinkMute silently drops frames between two peers while leaving their
// sessions open: the failure mode a liveness timeout exists for.
func (m *Memory) SetLinkMute(a, b string, isMuted bool) {
	m.mu.Lock()
	m.muted[linkKey(a, b)] = isMuted
	m.mu.Unlock()
}

// KillEndpoint simulates the fabric dropping an endpoint: its sessions close
// and its OnDisconnected handler fires. The owner is expected to recreate the
// endpoint on its next supervisor tick.
func (m *Memory) KillEndpoint(peerID string) {
	m.mu.Lock()
	ep := m.endpoints[peerID]
	m.mu.Unlock()
	if ep == nil {
		return
	}
	ep.teardown(true)
}

// CreateEndpoint implements Fabric.
func (m *Memory) CreateEndpoint(peerID string, _ Config, h EndpointHandler) (Endpoint, error) {
	if peerID == "" {
		return nil, errors.New("peer id must not be empty")
	}
	m.mu.Lock()
	if _, exists := m.endpoints[peerID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("peer id %q already registered", peerID)
	}
	ep := &memEndpoint{fab: m, peerID: peerID, handler: h, sessions: make(map[*memSession]struct{})}
	m.endpoints[peerID] = ep
	m.mu.Unlock()

	m.post(func() {
		if h.OnOpen != nil {
			h.OnOpen(peerID)
		}
	})
	return ep, nil
}

type memEndpoint struct {
	fab       *Memory
	peerID    string
	handler   EndpointHandler
	sessions  map[*memSession]struct{}
	destroyed bool
}

func (e *memEndpoint) PeerID() string { return e.peerID }

func (e *memEndpoint) Destroyed() bool {
	e.fab.mu.Lock()
	defer e.fab.mu.Unlock()
	return e.destroyed
}

func (e *memEndpoint) Destroy() {
	e.teardown(false)
}

func (e *memEndpoint) teardown(disconnected bool) {
	m := e.fab
	m.mu.Lock()
	if e.destroyed {
		m.mu.Unlock()
		return
	}
	e.destroyed = true
	delete(m.endpoints, e.peerID)
	sessions := make([]*memSession, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.post(func() {
		if disconnected && e.handler.OnDisconnected != nil {
			e.handler.OnDisconnected()
		}
		if e.handler.OnClose != nil {
			e.handler.OnClose()
		}
	})
}

// Connect implements Endpoint. If the remote endpoint is absent or the link
// is down, the session simply never opens; the dialer gives up via its own
// dial timeout.
func (e *memEndpoint) Connect(remotePeerID string) (Session, error) {
	m := e.fab
	m.mu.Lock()
	if e.destroyed {
		m.mu.Unlock()
		return nil, errors.New("endpoint destroyed")
	}
	local := &memSession{fab: m, ep: e, local: e.peerID, remote: remotePeerID}
	e.sessions[local] = struct{}{}

	remote := m.endpoints[remotePeerID]
	if remote == nil || m.down[linkKey(e.peerID, remotePeerID)] {
		m.mu.Unlock()
		return local, nil // stays dialing forever
	}
	peer := &memSession{fab: m, ep: remote, local: remotePeerID, remote: e.peerID}
	local.pair, peer.pair = peer, local
	remote.sessions[peer] = struct{}{}
	m.mu.Unlock()

	m.post(func() {
		if remote.handler.OnConnection != nil {
			remote.handler.OnConnection(peer)
		}
		peer.deliverOpen()
		local.deliverOpen()
	})
	return local, nil
}

// memSession buffers events that arrive before SetHandler, so the dialing
// side cannot miss its open event.
type memSession struct {
	fab    *Memory
	ep     *memEndpoint
	local  string // owning endpoint's peer id
	remote string
	pair   *memSession

	mu         sync.Mutex
	handler    SessionHandler
	handlerSet bool
	open       bool
	closed     bool
	pending    []pendingEvent
}

type pendingEvent struct {
	kind string // "open", "data", "close", "error"
	data []byte
	err  error
}

func (s *memSession) Peer() string { return s.remote }

func (s *memSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

func (s *memSession) SetHandler(h SessionHandler) {
	s.mu.Lock()
	s.handler = h
	s.handlerSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		s.dispatch(ev)
	}
}

func (s *memSession) emit(ev pendingEvent) {
	s.mu.Lock()
	if !s.handlerSet {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatch(ev)
}

func (s *memSession) dispatch(ev pendingEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	switch ev.kind {
	case "open":
		if h.OnOpen != nil {
			h.OnOpen()
		}
	case "data":
		if h.OnData != nil {
			h.OnData(ev.data)
		}
	case "close":
		if h.OnClose != nil {
			h.OnClose()
		}
	case "error":
		if h.OnError != nil {
			h.OnError(ev.err)
		}
	}
}

func (s *memSession) deliverOpen() {
	s.mu.Lock()
	if s.closed || s.open {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.mu.Unlock()
	s.emit(pendingEvent{kind: "open"})
}

// Send implements Session. Frames are copied and delivered in FIFO order via
// the fabric dispatch goroutine.
func (s *memSession) Send(data []byte) error {
	s.mu.Lock()
	if !s.open || s.closed {
		s.mu.Unlock()
		return errors.New("session not open")
	}
	pair := s.pair
	s.mu.Unlock()
	if pair == nil {
		return errors.New("session not open")
	}
	s.fab.mu.Lock()
	muted := s.fab.muted[linkKey(s.local, s.remote)]
	s.fab.mu.Unlock()
	if muted {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.fab.post(func() {
		pair.deliverData(buf)
	})
	return nil
}

func (s *memSession) deliverData(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(pendingEvent{kind: "data", data: data})
}

// Close closes both directions. Closing twice is a no-op.
func (s *memSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.open = false
	pair := s.pair
	s.mu.Unlock()

	s.fab.mu.Lock()
	delete(s.ep.sessions, s)
	s.fab.mu.Unlock()

	s.fab.post(func() {
		s.emit(pendingEvent{kind: "close"})
	})
	if pair != nil {
		pair.Close()
	}
}
