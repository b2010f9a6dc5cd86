// Package fabric abstracts the peer-to-peer transport the engine runs on.
// An endpoint is this node's presence in one group; a session is one reliable
// bidirectional byte channel to one remote peer. Any transport that can
// satisfy these two contracts (a websocket relay, WebRTC data channels, QUIC
// through a relay) can carry the engine.
package fabric

// ICEServer mirrors the STUN/TURN server entries a WebRTC-backed fabric
// needs. Transports that do their own routing ignore it.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config carries the transport configuration for one endpoint.
type Config struct {
	ICEServers []ICEServer
	DebugLevel int
}

// EndpointHandler receives endpoint lifecycle events. Handlers may be invoked
// from transport goroutines; implementations must hand off to their own
// executor rather than block.
type EndpointHandler struct {
	// OnOpen fires once the endpoint is registered and reachable under its
	// peer id.
	OnOpen func(peerID string)
	// OnConnection fires for every inbound session. Session events are
	// buffered until the receiver attaches a handler, so handing off to an
	// executor first is safe.
	OnConnection func(Session)
	OnError      func(error)
	// OnDisconnected fires when the endpoint loses its transport; the
	// endpoint is unusable afterwards and must be recreated.
	OnDisconnected func()
	OnClose        func()
}

// SessionHandler receives session events.
type SessionHandler struct {
	OnOpen  func()
	OnData  func([]byte)
	OnClose func()
	OnError func(error)
}

// Fabric creates endpoints.
type Fabric interface {
	// CreateEndpoint registers a new endpoint under the given peer id.
	// Registering an id that is already live on the fabric fails: either
	// CreateEndpoint returns an error, or the endpoint is torn down as soon
	// as the transport turns the registration away.
	CreateEndpoint(peerID string, cfg Config, h EndpointHandler) (Endpoint, error)
}

// Endpoint is this node's presence on the fabric within one group.
type Endpoint interface {
	PeerID() string
	// Connect dials a remote peer and returns the session immediately in its
	// dialing state. Events are buffered until SetHandler is called.
	Connect(remotePeerID string) (Session, error)
	Destroy()
	Destroyed() bool
}

// Session is a reliable bidirectional byte channel to one remote peer.
// It transitions dialing → open → closed; closed is terminal.
type Session interface {
	Peer() string
	SetHandler(h SessionHandler)
	// Send queues a frame for delivery. Frames sent while the session is not
	// open are dropped.
	Send(data []byte) error
	Close()
	Open() bool
}
