package fabric

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// recorder collects session events behind a lock, since fabric callbacks
// arrive on the dispatch goroutine.
type recorder struct {
	mu     sync.Mutex
	opened bool
	closed bool
	data   [][]byte
}

func (r *recorder) handler() SessionHandler {
	return SessionHandler{
		OnOpen: func() {
			r.mu.Lock()
			r.opened = true
			r.mu.Unlock()
		},
		OnData: func(b []byte) {
			r.mu.Lock()
			r.data = append(r.data, b)
			r.mu.Unlock()
		},
		OnClose: func() {
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
		},
	}
}

func (r *recorder) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.data))
	for i, b := range r.data {
		out[i] = string(b)
	}
	return out
}

func TestConnectOpensBothSides(t *testing.T) {
	m := NewMemory()
	defer m.Shutdown()

	var inbound Session
	var inboundMu sync.Mutex
	inRec := &recorder{}

	_, err := m.CreateEndpoint("b", Config{}, EndpointHandler{
		OnConnection: func(s Session) {
			s.SetHandler(inRec.handler())
			inboundMu.Lock()
			inbound = s
			inboundMu.Unlock()
		},
	})
	require.NoError(t, err)

	epA, err := m.CreateEndpoint("a", Config{}, EndpointHandler{})
	require.NoError(t, err)

	outRec := &recorder{}
	sess, err := epA.Connect("b")
	require.NoError(t, err)
	sess.SetHandler(outRec.handler())

	waitFor(t, outRec.isOpen)
	waitFor(t, inRec.isOpen)

	require.NoError(t, sess.Send([]byte("hello")))
	waitFor(t, func() bool { return len(inRec.messages()) == 1 })
	assert.Equal(t, []string{"hello"}, inRec.messages())

	inboundMu.Lock()
	remote := inbound
	inboundMu.Unlock()
	require.NotNil(t, remote)
	assert.Equal(t, "a", remote.Peer())
	require.NoError(t, remote.Send([]byte("hi back")))
	waitFor(t, func() bool { return len(outRec.messages()) == 1 })

	sess.Close()
	waitFor(t, outRec.isClosed)
	waitFor(t, inRec.isClosed)
	assert.False(t, sess.Open())
}

func TestDuplicatePeerIDRejected(t *testing.T) {
	m := NewMemory()
	defer m.Shutdown()

	_, err := m.CreateEndpoint("a", Config{}, EndpointHandler{})
	require.NoError(t, err)
	_, err = m.CreateEndpoint("a", Config{}, EndpointHandler{})
	assert.Error(t, err)
}

func TestConnectToAbsentPeerNeverOpens(t *testing.T) {
	m := NewMemory()
	defer m.Shutdown()

	ep, err := m.CreateEndpoint("a", Config{}, EndpointHandler{})
	require.NoError(t, err)

	rec := &recorder{}
	sess, err := ep.Connect("ghost")
	require.NoError(t, err)
	sess.SetHandler(rec.handler())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, rec.isOpen())
	assert.False(t, sess.Open())
}

func TestLinkDownClosesSessions(t *testing.T) {
	m := NewMemory()
	defer m.Shutdown()

	inRec := &recorder{}
	_, err := m.CreateEndpoint("b", Config{}, EndpointHandler{
		OnConnection: func(s Session) { s.SetHandler(inRec.handler()) },
	})
	require.NoError(t, err)
	epA, err := m.CreateEndpoint("a", Config{}, EndpointHandler{})
	require.NoError(t, err)

	outRec := &recorder{}
	sess, err := epA.Connect("b")
	require.NoError(t, err)
	sess.SetHandler(outRec.handler())
	waitFor(t, outRec.isOpen)

	m.SetLinkDown("a", "b", true)
	waitFor(t, outRec.isClosed)
	waitFor(t, inRec.isClosed)

	// New dials hang while the link is down.
	rec2 := &recorder{}
	sess2, err := epA.Connect("b")
	require.NoError(t, err)
	sess2.SetHandler(rec2.handler())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, rec2.isOpen())
}

func TestKillEndpointFiresDisconnected(t *testing.T) {
	m := NewMemory()
	defer m.Shutdown()

	var mu sync.Mutex
	disconnected := false
	ep, err := m.CreateEndpoint("a", Config{}, EndpointHandler{
		OnDisconnected: func() {
			mu.Lock()
			disconnected = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	m.KillEndpoint("a")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected
	})
	assert.True(t, ep.Destroyed())

	// The id is free again for the revived endpoint.
	_, err = m.CreateEndpoint("a", Config{}, EndpointHandler{})
	assert.NoError(t, err)
}
