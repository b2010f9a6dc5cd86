package group

import "github.com/kacper-marzecki/tibidi/fabric"

// This file is the per-group connection manager: it keeps a full mesh of
// sessions to the membership set, detects dead peers by idle time, abandons
// stuck dials and revives a lost fabric endpoint. All decisions are made on
// the supervisor tick by comparing stamped timestamps against Timings; no
// per-peer timers exist.

// Start brings up the group's fabric endpoint. Dialing begins once the
// endpoint reports open.
func (g *Group) Start() {
	g.ensureEndpoint()
}

// Destroy tears down the whole runtime: every session, every dial, and the
// endpoint. The replica data is untouched.
func (g *Group) Destroy() {
	g.teardownSessions()
	if g.endpoint != nil {
		ep := g.endpoint
		g.endpoint = nil
		g.endpointReady = false
		ep.Destroy()
	}
}

// Tick runs one supervisor sweep: revive the endpoint, age out dials and
// idle sessions, ping the quiet ones, and redial any member that is neither
// open nor dialing.
func (g *Group) Tick() {
	now := g.deps.Now()

	if g.endpoint == nil || g.endpoint.Destroyed() {
		g.teardownSessions()
		g.ensureEndpoint()
		return
	}

	for remote, d := range g.dialing {
		if now-d.startedAt > g.deps.Timings.DialTimeout.Milliseconds() {
			delete(g.dialing, remote)
			d.sess.close()
			g.logf("dial to %s timed out", remote)
		}
	}

	for remote, s := range g.sessions {
		idle := now - g.lastHeard[remote]
		switch {
		case idle > g.deps.Timings.DeadAfter.Milliseconds():
			g.logf("peer %s silent for %dms, closing session", remote, idle)
			delete(g.sessions, remote)
			s.close()
		case idle > g.deps.Timings.PingAfter.Milliseconds():
			g.sendPing(s)
		}
	}

	g.dialMissing()
}

func (g *Group) ensureEndpoint() {
	if g.endpoint != nil && !g.endpoint.Destroyed() {
		return
	}
	g.endpointReady = false

	var ep fabric.Endpoint
	handler := fabric.EndpointHandler{
		OnOpen: func(id string) {
			g.deps.Exec(func() {
				if g.endpoint != ep {
					return
				}
				g.logf("endpoint open as %s", id)
				g.endpointReady = true
				g.dialMissing()
			})
		},
		OnConnection: func(fs fabric.Session) {
			g.deps.Exec(func() {
				if g.endpoint != ep {
					fs.Close()
					return
				}
				// The remote side initiated this session.
				s := &session{remote: fs.Peer(), initiator: fs.Peer(), fs: fs}
				g.attachSession(s)
			})
		},
		OnError: func(err error) {
			g.deps.Exec(func() {
				if g.endpoint != ep {
					return
				}
				g.logf("endpoint error: %v", err)
				g.teardownEndpoint()
			})
		},
		OnDisconnected: func() {
			g.deps.Exec(func() {
				if g.endpoint != ep {
					return
				}
				g.logf("endpoint disconnected")
				g.teardownEndpoint()
			})
		},
	}

	created, err := g.deps.Fabric.CreateEndpoint(g.myPeerID, g.deps.FabricConfig, handler)
	if err != nil {
		g.logf("endpoint create failed: %v", err)
		return
	}
	ep = created
	g.endpoint = created
}

// teardownEndpoint drops the endpoint and all its sessions; the next
// supervisor tick recreates it.
func (g *Group) teardownEndpoint() {
	g.teardownSessions()
	if g.endpoint != nil {
		ep := g.endpoint
		g.endpoint = nil
		g.endpointReady = false
		ep.Destroy()
	}
}

func (g *Group) teardownSessions() {
	for remote, s := range g.sessions {
		delete(g.sessions, remote)
		s.close()
	}
	for remote, d := range g.dialing {
		delete(g.dialing, remote)
		d.sess.close()
	}
}

// dialMissing dials every known member (log authors plus bootstrap seeds,
// minus self) with no open or in-flight session. Dials are single-flight per
// remote id.
func (g *Group) dialMissing() {
	if !g.endpointReady {
		return
	}
	targets := make(map[string]struct{})
	for _, author := range g.log.Authors() {
		targets[author] = struct{}{}
	}
	for seed := range g.seeds {
		targets[seed] = struct{}{}
	}
	for remote := range targets {
		g.dialPeer(remote)
	}
}

func (g *Group) dialPeer(remote string) {
	if remote == g.myPeerID {
		return
	}
	if _, open := g.sessions[remote]; open {
		return
	}
	if _, inflight := g.dialing[remote]; inflight {
		return
	}
	if !g.endpointReady || g.endpoint == nil {
		return
	}
	fs, err := g.endpoint.Connect(remote)
	if err != nil {
		g.logf("dial to %s failed: %v", remote, err)
		return
	}
	s := &session{remote: fs.Peer(), initiator: g.myPeerID, fs: fs}
	g.dialing[remote] = &dial{sess: s, startedAt: g.deps.Now()}
	g.attachSession(s)
}

// sessionOpened registers a freshly opened session and starts anti-entropy
// on it. When both sides dialed simultaneously the session whose
// (initiator, responder) pair is lexicographically larger survives and the
// other is closed.
func (g *Group) sessionOpened(s *session) {
	if s.state != stateDialing {
		return
	}
	s.state = stateOpen

	if d, ok := g.dialing[s.remote]; ok && d.sess == s {
		delete(g.dialing, s.remote)
	}

	if existing, ok := g.sessions[s.remote]; ok && existing != s {
		if existing.initiator >= s.initiator {
			g.logf("duplicate session to %s, keeping existing", s.remote)
			s.close()
			return
		}
		g.logf("duplicate session to %s, replacing", s.remote)
		delete(g.sessions, s.remote)
		existing.close()
	}

	g.sessions[s.remote] = s
	g.lastHeard[s.remote] = g.deps.Now()
	g.logf("session to %s open", s.remote)
	g.sendSyncRequest(s)
}

// sessionClosed finalises a session in any state. Safe to call repeatedly.
func (g *Group) sessionClosed(s *session) {
	wasOpen := s.state == stateOpen
	s.state = stateClosed
	if cur, ok := g.sessions[s.remote]; ok && cur == s {
		delete(g.sessions, s.remote)
		if wasOpen {
			g.logf("session to %s closed", s.remote)
		}
	}
	if d, ok := g.dialing[s.remote]; ok && d.sess == s {
		delete(g.dialing, s.remote)
	}
}
