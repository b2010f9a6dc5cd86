package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/kacper-marzecki/tibidi/logger"
)

// Broker is the websocket relay every endpoint registers with. It holds no
// application state: it only routes envelopes between registered peer ids.
// Losing the broker drops every endpoint, which the nodes repair on their
// supervisor ticks once a broker is back.
type Broker struct {
	addr string
	hub  *hub
	srv  *http.Server
	ln   net.Listener
}

// NewBroker creates a broker that will listen on addr (host:port).
func NewBroker(addr string) *Broker {
	h := newHub()
	router := mux.NewRouter()
	router.HandleFunc("/ws", h.serveWs)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	return &Broker{
		addr: addr,
		hub:  h,
		srv:  &http.Server{Handler: router},
	}
}

// Start binds synchronously, so an unusable port fails here, then serves in
// a background goroutine.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}
	b.ln = ln
	go b.hub.run()
	go func() {
		if err := b.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("broker serve: %v", err)
		}
	}()
	logger.Infof("broker listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful with ":0" listeners.
func (b *Broker) Addr() string {
	if b.ln == nil {
		return b.addr
	}
	return b.ln.Addr().String()
}

// URL returns the ws:// base URL clients should dial.
func (b *Broker) URL() string {
	return "ws://" + b.Addr()
}

// Stop closes the listener and every client connection.
func (b *Broker) Stop() error {
	b.hub.stop()
	return b.srv.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub maintains the set of registered peers and routes envelopes between
// them. All map access happens on the run goroutine.
type hub struct {
	clients    map[string]*brokerClient
	register   chan *brokerClient
	unregister chan *brokerClient
	forward    chan envelope
	done       chan struct{}
	stopOnce   sync.Once
}

func newHub() *hub {
	return &hub{
		clients:    make(map[string]*brokerClient),
		register:   make(chan *brokerClient),
		unregister: make(chan *brokerClient),
		forward:    make(chan envelope, 256),
		done:       make(chan struct{}),
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			if _, taken := h.clients[c.peerID]; taken {
				// Two live endpoints racing for one peer id; the first one
				// wins and the newcomer is turned away.
				logger.Errorf("broker: peer id %s already registered", c.peerID)
				c.reject("peer id already registered")
				continue
			}
			c.accepted = true
			h.clients[c.peerID] = c
			c.enqueue(envelope{Kind: "ready", To: c.peerID})
			logger.Printf("broker: peer %s registered (%d online)", c.peerID, len(h.clients))

		case c := <-h.unregister:
			if cur, ok := h.clients[c.peerID]; ok && cur == c {
				delete(h.clients, c.peerID)
				logger.Printf("broker: peer %s gone (%d online)", c.peerID, len(h.clients))
			}

		case env := <-h.forward:
			target, online := h.clients[env.To]
			if !online {
				if from, ok := h.clients[env.From]; ok && env.SID != "" {
					from.enqueue(envelope{Kind: "error", SID: env.SID, Error: "peer offline"})
				}
				continue
			}
			target.enqueue(env)

		case <-h.done:
			for _, c := range h.clients {
				c.conn.Close()
			}
			return
		}
	}
}

// serveWs upgrades a client connection and hands it to the hub.
func (h *hub) serveWs(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("broker upgrade: %v", err)
		return
	}
	c := &brokerClient{hub: h, peerID: peerID, conn: conn, send: make(chan envelope, 256), done: make(chan struct{})}
	go c.writePump()
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.readPump()
}

type brokerClient struct {
	hub      *hub
	peerID   string
	conn     *websocket.Conn
	send     chan envelope
	done     chan struct{}
	accepted bool

	closeOnce sync.Once
}

func (c *brokerClient) enqueue(env envelope) {
	select {
	case <-c.done:
	case c.send <- env:
	default:
		// A client that cannot drain its queue is dead weight; drop it and
		// let it reconnect.
		c.shutdown()
	}
}

func (c *brokerClient) reject(reason string) {
	c.enqueue(envelope{Kind: "error", Error: reason})
	c.shutdown()
}

func (c *brokerClient) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *brokerClient) readPump() {
	defer func() {
		if c.accepted {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}
		c.conn.Close()
	}()
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		env.From = c.peerID
		select {
		case c.hub.forward <- env:
		case <-c.hub.done:
			return
		}
	}
}

func (c *brokerClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case env := <-c.send:
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is already queued (the rejection notice, at
			// most a handful of frames), then drop the connection.
			for {
				select {
				case env := <-c.send:
					if err := c.conn.WriteJSON(env); err != nil {
						return
					}
				default:
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
