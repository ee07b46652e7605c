package core

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Config carries the peer subsystem settings. Initial peers map an IP
// address to "chain[:port]"; when no port is given the chain's registered
// port is used.
type Config struct {
	MaxPeers int

	DataDir string

	InitialPeerIPs map[string]string

	// AcceptedPeerAddr filters inbound and outbound peer IPs; nil accepts all.
	AcceptedPeerAddr func(ip string) bool

	// TLS enables the "tls" command upgrade when non-nil.
	TLS *tls.Config

	// StatusAddr enables the HTTP status server when non-empty.
	StatusAddr string
}

// Node owns the shared state of the peer subsystem: the registry, the file
// store, the verifier, the chain/port registrations and the listeners.
type Node struct {
	cfg Config

	reg      *Registry
	store    FileStore
	verifier Verifier
	log      *logrus.Logger
	metrics  *Metrics

	// fileMu serializes file commits performed by file processing and block
	// storage across sessions.
	fileMu sync.Mutex

	shutdown atomic.Bool

	mu         sync.Mutex
	listeners  map[int]*PeerListener
	chainPorts map[string]int
	portChains map[int]string

	wg sync.WaitGroup
}

// NewNode wires a node from its collaborators. A nil logger falls back to
// the standard logrus logger.
func NewNode(cfg Config, store FileStore, verifier Verifier, logger *logrus.Logger) *Node {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 10
	}
	return &Node{
		cfg:        cfg,
		reg:        NewRegistry(cfg.MaxPeers, cfg.AcceptedPeerAddr),
		store:      store,
		verifier:   verifier,
		log:        logger,
		metrics:    NewMetrics(),
		listeners:  make(map[int]*PeerListener),
		chainPorts: make(map[string]int),
		portChains: make(map[int]string),
	}
}

// Registry returns the node's peer registry.
func (n *Node) Registry() *Registry { return n.reg }

// Store returns the node's file store.
func (n *Node) Store() FileStore { return n.store }

// Metrics returns the node's metric set.
func (n *Node) Metrics() *Metrics { return n.metrics }

// IsShuttingDown reports whether Shutdown has been requested.
func (n *Node) IsShuttingDown() bool { return n.shutdown.Load() }

// Shutdown requests a cooperative stop: every session and listener observes
// the flag at its next loop boundary.
func (n *Node) Shutdown() {
	n.shutdown.Store(true)
	n.mu.Lock()
	for _, l := range n.listeners {
		l.close()
	}
	n.mu.Unlock()
}

// Wait blocks until all sessions and listeners have finished.
func (n *Node) Wait() { n.wg.Wait() }

// RegisterBlockchain binds a chain to its standard port.
func (n *Node) RegisterBlockchain(port int, blockchain string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chainPorts[blockchain] = port
	n.portChains[port] = blockchain
}

// BlockchainPort returns the registered port for a chain.
func (n *Node) BlockchainPort(blockchain string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	port, ok := n.chainPorts[blockchain]
	if !ok {
		return 0, fmt.Errorf("no port registered for blockchain %s", blockchain)
	}
	return port, nil
}

// BlockchainForPort returns the chain registered on a port (may be empty).
func (n *Node) BlockchainForPort(port int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.portChains[port]
}

func (n *Node) hasRegisteredListener(port int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.listeners[port]
	return ok
}

func (n *Node) registerListener(port int, l *PeerListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[port] = l
}

func (n *Node) issueError(msg string) {
	n.log.Errorf("peer session error: %s", msg)
}

func (n *Node) issueWarning(msg string) {
	n.log.Warnf("peer session warning: %s", msg)
}
