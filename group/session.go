package group

import "github.com/kacper-marzecki/tibidi/fabric"

type sessionState int

const (
	stateDialing sessionState = iota
	stateOpen
	stateClosed
)

// session wraps one fabric session to one remote member. The state machine
// is dialing → open → closed; closed is terminal. All transitions happen on
// the node executor.
type session struct {
	remote    string
	initiator string // peer id of the side that dialed
	fs        fabric.Session
	state     sessionState
}

// attachSession routes the fabric session's events onto the node executor.
// The caller must have registered the session (in dialing or via accept)
// before attaching, because events may start flowing immediately.
func (g *Group) attachSession(s *session) {
	s.fs.SetHandler(fabric.SessionHandler{
		OnOpen:  func() { g.deps.Exec(func() { g.sessionOpened(s) }) },
		OnData:  func(data []byte) { g.deps.Exec(func() { g.sessionData(s, data) }) },
		OnClose: func() { g.deps.Exec(func() { g.sessionClosed(s) }) },
		OnError: func(err error) {
			g.deps.Exec(func() {
				g.logf("session to %s errored: %v", s.remote, err)
				g.sessionClosed(s)
			})
		},
	})
}

// send hands an encoded frame to the fabric; frames are dropped unless the
// session is open. Delivery is at-least-once while open, with no application-level
// retry inside the session.
func (s *session) send(data []byte) {
	if s.state != stateOpen {
		return
	}
	_ = s.fs.Send(data)
}

func (s *session) close() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.fs.Close()
}
