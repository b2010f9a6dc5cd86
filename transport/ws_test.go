package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacper-marzecki/tibidi/fabric"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker("127.0.0.1:0")
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// endpointProbe records endpoint and session events behind a lock.
type endpointProbe struct {
	mu           sync.Mutex
	ready        bool
	disconnected bool
	inbound      []fabric.Session
	data         []string
	opened       bool
	closed       bool
}

func (p *endpointProbe) sessionHandler() fabric.SessionHandler {
	return fabric.SessionHandler{
		OnOpen: func() {
			p.mu.Lock()
			p.opened = true
			p.mu.Unlock()
		},
		OnData: func(b []byte) {
			p.mu.Lock()
			p.data = append(p.data, string(b))
			p.mu.Unlock()
		},
		OnClose: func() {
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
		},
	}
}

func (p *endpointProbe) endpointHandler() fabric.EndpointHandler {
	return fabric.EndpointHandler{
		OnOpen: func(string) {
			p.mu.Lock()
			p.ready = true
			p.mu.Unlock()
		},
		OnConnection: func(s fabric.Session) {
			s.SetHandler(p.sessionHandler())
			p.mu.Lock()
			p.inbound = append(p.inbound, s)
			p.mu.Unlock()
		},
		OnDisconnected: func() {
			p.mu.Lock()
			p.disconnected = true
			p.mu.Unlock()
		},
	}
}

func (p *endpointProbe) isReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *endpointProbe) isOpened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *endpointProbe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *endpointProbe) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *endpointProbe) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.data))
	copy(out, p.data)
	return out
}

func (p *endpointProbe) firstInbound() fabric.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound) == 0 {
		return nil
	}
	return p.inbound[0]
}

func TestSessionOverBroker(t *testing.T) {
	b := startBroker(t)
	ws := NewWS(b.URL())

	aProbe := &endpointProbe{}
	bProbe := &endpointProbe{}

	epA, err := ws.CreateEndpoint("peer-a", fabric.Config{}, aProbe.endpointHandler())
	require.NoError(t, err)
	defer epA.Destroy()
	epB, err := ws.CreateEndpoint("peer-b", fabric.Config{}, bProbe.endpointHandler())
	require.NoError(t, err)
	defer epB.Destroy()

	waitFor(t, aProbe.isReady)
	waitFor(t, bProbe.isReady)

	sess, err := epA.Connect("peer-b")
	require.NoError(t, err)
	sess.SetHandler(aProbe.sessionHandler())

	waitFor(t, aProbe.isOpened)
	waitFor(t, func() bool { return bProbe.firstInbound() != nil })
	assert.Equal(t, "peer-a", bProbe.firstInbound().Peer())

	require.NoError(t, sess.Send([]byte(`{"type":"PING"}`)))
	waitFor(t, func() bool { return len(bProbe.received()) == 1 })
	assert.Equal(t, `{"type":"PING"}`, bProbe.received()[0])

	require.NoError(t, bProbe.firstInbound().Send([]byte(`{"type":"PONG"}`)))
	waitFor(t, func() bool { return len(aProbe.received()) == 1 })

	sess.Close()
	waitFor(t, aProbe.isClosed)
	waitFor(t, bProbe.isClosed)
}

func TestDialOfflinePeerErrorsSession(t *testing.T) {
	b := startBroker(t)
	ws := NewWS(b.URL())

	probe := &endpointProbe{}
	ep, err := ws.CreateEndpoint("peer-a", fabric.Config{}, probe.endpointHandler())
	require.NoError(t, err)
	defer ep.Destroy()
	waitFor(t, probe.isReady)

	sess, err := ep.Connect("nobody-home")
	require.NoError(t, err)
	sess.SetHandler(probe.sessionHandler())

	// The broker answers with a routing error, which closes the session
	// without it ever opening.
	waitFor(t, probe.isClosed)
	assert.False(t, probe.isOpened())
	assert.False(t, sess.Open())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	b := startBroker(t)
	ws := NewWS(b.URL())

	first := &endpointProbe{}
	ep1, err := ws.CreateEndpoint("peer-a", fabric.Config{}, first.endpointHandler())
	require.NoError(t, err)
	defer ep1.Destroy()
	waitFor(t, first.isReady)

	second := &endpointProbe{}
	ep2, err := ws.CreateEndpoint("peer-a", fabric.Config{}, second.endpointHandler())
	require.NoError(t, err)

	// The newcomer is turned away and its connection dropped.
	waitFor(t, ep2.Destroyed)
	assert.False(t, second.isReady())
	assert.False(t, ep1.Destroyed())
}

func TestBrokerLossDisconnectsEndpoint(t *testing.T) {
	b := startBroker(t)
	ws := NewWS(b.URL())

	probe := &endpointProbe{}
	ep, err := ws.CreateEndpoint("peer-a", fabric.Config{}, probe.endpointHandler())
	require.NoError(t, err)
	waitFor(t, probe.isReady)

	require.NoError(t, b.Stop())
	waitFor(t, probe.isDisconnected)
	assert.True(t, ep.Destroyed())
}

func TestUnreachableBrokerFailsCreate(t *testing.T) {
	ws := NewWS("ws://127.0.0.1:1") // nothing listens here
	_, err := ws.CreateEndpoint("peer-a", fabric.Config{}, fabric.EndpointHandler{})
	assert.Error(t, err)
}
