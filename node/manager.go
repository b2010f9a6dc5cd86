package node

import (
	"fmt"
	"sync"

	"github.com/kacper-marzecki/tibidi/fabric"
	"github.com/kacper-marzecki/tibidi/store"
)

// Manager runs multiple in-process nodes over one shared in-memory fabric.
// It powers the demo command and the end-to-end tests, where several peers
// have to converge inside a single process.
type Manager struct {
	fab *fabric.Memory

	mu    sync.Mutex
	nodes []*Node
}

// NewManager creates a manager with a fresh in-memory fabric.
func NewManager() *Manager {
	return &Manager{fab: fabric.NewMemory()}
}

// Fabric exposes the shared fabric, so tests can cut links or kill
// endpoints.
func (m *Manager) Fabric() *fabric.Memory { return m.fab }

// NewNode creates, initializes and tracks a node backed by an in-memory
// store. The config may be nil for defaults.
func (m *Manager) NewNode(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	n, err := New(cfg, store.NewMemory(), m.fab)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	if err := n.Initialize(); err != nil {
		n.Close()
		return nil, fmt.Errorf("initialize node: %w", err)
	}
	m.mu.Lock()
	m.nodes = append(m.nodes, n)
	m.mu.Unlock()
	return n, nil
}

// Nodes returns the tracked nodes in creation order.
func (m *Manager) Nodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// StopAll closes every node and shuts the fabric down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.nodes = nil
	m.mu.Unlock()
	for _, n := range nodes {
		n.Close()
	}
	m.fab.Shutdown()
}
