// Package transport carries the peer fabric over websockets: every node
// keeps one websocket to a relay broker, and logical peer sessions are
// multiplexed over it as JSON envelopes. The broker itself lives in this
// package too, plus optional mDNS discovery of a LAN broker.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kacper-marzecki/tibidi/fabric"
	"github.com/kacper-marzecki/tibidi/logger"
)

// envelope is the frame exchanged with the broker. Kind is one of:
//
//	ready   broker → client, registration done
//	open    dial request for a new logical session
//	accept  answer to open; the session is live on both ends afterwards
//	data    application bytes for one session
//	close   session teardown
//	error   routing failure (unknown peer, duplicate registration)
type envelope struct {
	Kind  string          `json:"kind"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	SID   string          `json:"sid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WS is a fabric.Fabric backed by a relay broker.
type WS struct {
	brokerURL string
}

// NewWS creates a websocket fabric against the given broker base URL
// (e.g. "ws://127.0.0.1:7337").
func NewWS(brokerURL string) *WS {
	return &WS{brokerURL: brokerURL}
}

// CreateEndpoint implements fabric.Fabric. The broker dial is retried with
// exponential backoff for a few seconds; a broker that stays unreachable
// surfaces as an error and the supervisor tick tries again later.
func (w *WS) CreateEndpoint(peerID string, cfg fabric.Config, h fabric.EndpointHandler) (fabric.Endpoint, error) {
	u, err := url.Parse(w.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"peer": {peerID}}.Encode()

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ep := &wsEndpoint{
		peerID:   peerID,
		conn:     conn,
		handler:  h,
		debug:    cfg.DebugLevel > 0,
		sessions: make(map[string]*wsSession),
		send:     make(chan envelope, 256),
		closed:   make(chan struct{}),
	}
	go ep.writePump()
	go ep.readPump()
	return ep, nil
}

type wsEndpoint struct {
	peerID  string
	conn    *websocket.Conn
	handler fabric.EndpointHandler
	debug   bool

	mu        sync.Mutex
	sessions  map[string]*wsSession // by session id
	destroyed bool

	send      chan envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *wsEndpoint) PeerID() string { return e.peerID }

func (e *wsEndpoint) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *wsEndpoint) Destroy() {
	e.shutdown(false)
}

// shutdown tears the endpoint down exactly once. OnClose fires in every case;
// with disconnected set (a lost broker) OnDisconnected fires first.
func (e *wsEndpoint) shutdown(disconnected bool) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		sessions := make([]*wsSession, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.sessions = make(map[string]*wsSession)
		e.mu.Unlock()

		close(e.closed)
		e.conn.Close()
		for _, s := range sessions {
			s.closeLocal()
		}
		if disconnected {
			if e.handler.OnDisconnected != nil {
				e.handler.OnDisconnected()
			}
		}
		if e.handler.OnClose != nil {
			e.handler.OnClose()
		}
	})
}

func (e *wsEndpoint) post(env envelope) {
	select {
	case e.send <- env:
	case <-e.closed:
	}
}

func (e *wsEndpoint) writePump() {
	for {
		select {
		case env := <-e.send:
			if err := e.conn.WriteJSON(env); err != nil {
				e.shutdown(true)
				return
			}
		case <-e.closed:
			return
		}
	}
}

func (e *wsEndpoint) readPump() {
	for {
		var env envelope
		if err := e.conn.ReadJSON(&env); err != nil {
			e.shutdown(true)
			return
		}
		e.handle(env)
	}
}

func (e *wsEndpoint) handle(env envelope) {
	if e.debug {
		logger.Printf("[ws %s] recv %s from=%s sid=%s", e.peerID, env.Kind, env.From, env.SID)
	}
	switch env.Kind {
	case "ready":
		if e.handler.OnOpen != nil {
			e.handler.OnOpen(e.peerID)
		}

	case "open":
		s := &wsSession{ep: e, sid: env.SID, remote: env.From}
		e.mu.Lock()
		e.sessions[env.SID] = s
		e.mu.Unlock()
		if e.handler.OnConnection != nil {
			e.handler.OnConnection(s)
		}
		e.post(envelope{Kind: "accept", To: env.From, SID: env.SID})
		s.markOpen()

	case "accept":
		if s := e.session(env.SID); s != nil {
			s.markOpen()
		}

	case "data":
		if s := e.session(env.SID); s != nil {
			s.deliverData([]byte(env.Data))
		}

	case "close":
		if s := e.session(env.SID); s != nil {
			s.closeLocal()
		}

	case "error":
		if env.SID != "" {
			if s := e.session(env.SID); s != nil {
				s.deliverError(errors.New(env.Error))
				s.closeLocal()
			}
			return
		}
		if e.handler.OnError != nil {
			e.handler.OnError(errors.New(env.Error))
		}
	}
}

func (e *wsEndpoint) session(sid string) *wsSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sid]
}

func (e *wsEndpoint) dropSession(sid string) {
	e.mu.Lock()
	delete(e.sessions, sid)
	e.mu.Unlock()
}

// Connect implements fabric.Endpoint. The session opens when the remote
// answers with accept. Dialing a peer that is not registered with the broker
// gets a routing error back, which errors and closes the session without it
// ever opening.
func (e *wsEndpoint) Connect(remotePeerID string) (fabric.Session, error) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, errors.New("endpoint destroyed")
	}
	s := &wsSession{ep: e, sid: uuid.NewString(), remote: remotePeerID}
	e.sessions[s.sid] = s
	e.mu.Unlock()

	e.post(envelope{Kind: "open", To: remotePeerID, SID: s.sid})
	return s, nil
}

// wsSession is one logical session multiplexed over the broker connection.
// Events that arrive before SetHandler are buffered and replayed, so the
// dialing side cannot miss its open.
type wsSession struct {
	ep     *wsEndpoint
	sid    string
	remote string

	mu         sync.Mutex
	handler    fabric.SessionHandler
	handlerSet bool
	open       bool
	closed     bool
	pending    []sessionEvent
}

type sessionEvent struct {
	kind string
	data []byte
	err  error
}

func (s *wsSession) Peer() string { return s.remote }

func (s *wsSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

func (s *wsSession) SetHandler(h fabric.SessionHandler) {
	s.mu.Lock()
	s.handler = h
	s.handlerSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		s.invoke(ev)
	}
}

func (s *wsSession) emit(ev sessionEvent) {
	s.mu.Lock()
	if !s.handlerSet {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.invoke(ev)
}

func (s *wsSession) invoke(ev sessionEvent) {
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

func (s *wsSession) markOpen() {
	s.mu.Lock()
	if s.open || s.closed {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.mu.Unlock()
	s.emit(sessionEvent{kind: "open"})
}

func (s *wsSession) deliverData(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emit(sessionEvent{kind: "data", data: data})
}

func (s *wsSession) deliverError(err error) {
	s.emit(sessionEvent{kind: "error", err: err})
}

// closeLocal finalises the session without notifying the remote; used when
// the close came from the wire or the endpoint died.
func (s *wsSession) closeLocal() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.open = false
	s.mu.Unlock()
	s.ep.dropSession(s.sid)
	s.emit(sessionEvent{kind: "close"})
}

// Send implements fabric.Session. Frames are dropped unless open; data
// bytes must be valid JSON, which every protocol frame is.
func (s *wsSession) Send(data []byte) error {
	s.mu.Lock()
	if !s.open || s.closed {
		s.mu.Unlock()
		return errors.New("session not open")
	}
	s.mu.Unlock()
	s.ep.post(envelope{Kind: "data", To: s.remote, SID: s.sid, Data: json.RawMessage(data)})
	return nil
}

// Close implements fabric.Session: tells the remote, then finalises locally.
func (s *wsSession) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	s.ep.post(envelope{Kind: "close", To: s.remote, SID: s.sid})
	s.closeLocal()
}
