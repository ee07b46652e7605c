package core

// Accept loop and outbound connection management. Each listener iteration
// also pops one reconnect candidate from the chain's retry queue, so
// previously good peers that dropped off are dialled again.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Dialer manages outbound peer connections.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a network dialer with the given settings.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to a remote address and returns a net.Conn.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialer: failed to connect to %s: %w", address, err)
	}
	return conn, nil
}

// PeerListener accepts inbound peer sessions on one port, optionally bound
// to a single blockchain.
type PeerListener struct {
	node       *Node
	port       int
	blockchain string

	ln     *net.TCPListener
	dialer *Dialer
}

// CreatePeerListener binds the port and starts the accept loop. Creating a
// second listener on an already registered port is a no-op.
func (n *Node) CreatePeerListener(port int, blockchain string) error {
	if n.hasRegisteredListener(port) {
		return nil
	}
	if port < 1025 {
		return errors.New("invalid attempt to use port number less than 1025")
	}
	if blockchain != "" {
		n.RegisterBlockchain(port, blockchain)
	}

	addr, err := net.ResolveTCPAddr("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}

	l := &PeerListener{
		node:       n,
		port:       port,
		blockchain: blockchain,
		ln:         ln,
		dialer:     NewDialer(reconnectTimeout, 30*time.Second),
	}
	n.registerListener(port, l)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		l.run()
	}()
	return nil
}

// Port returns the port the listener is bound to.
func (l *PeerListener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return l.port
}

func (l *PeerListener) close() { l.ln.Close() }

func (l *PeerListener) run() {
	n := l.node

	n.log.Infof("peer listener started on port %d%s", l.Port(), chainSuffix(l.blockchain))

	for !n.IsShuttingDown() {
		l.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				if n.IsShuttingDown() {
					break
				}
				n.issueError("unexpected socket error: " + err.Error())
				break
			}
		} else {
			l.acceptConn(conn)
		}

		// Re-connect a previously good peer that has become disconnected.
		if !n.IsShuttingDown() && l.blockchain != "" && !n.reg.HasMaxPeers() {
			l.retryOnePeer()
		}
	}

	l.ln.Close()
	n.log.Infof("peer listener finished (port %d)%s", l.Port(), chainSuffix(l.blockchain))
}

func (l *PeerListener) acceptConn(conn net.Conn) {
	n := l.node

	ip := remoteIP(conn)
	if n.IsShuttingDown() || n.reg.HasMaxPeers() || !n.reg.IsAcceptedPeerAddr(ip) {
		conn.Close()
		return
	}

	session, err := ConstructSession(n, true, conn, ip+"="+l.blockchain)
	if err != nil {
		n.issueError(err.Error())
		return
	}
	if session != nil {
		session.Start()
	}
}

func (l *PeerListener) retryOnePeer() {
	n := l.node

	peerInfo := n.reg.GetPeerToRetry(l.blockchain)
	if peerInfo == "" {
		return
	}

	peerIP := peerInfo
	peerPort := l.Port()
	if pos := strings.IndexByte(peerInfo, '!'); pos >= 0 {
		peerIP = peerInfo[:pos]
		if p, err := strconv.Atoi(peerInfo[pos+1:]); err == nil {
			peerPort = p
		}
	}

	started := false
	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	conn, err := l.dialer.Dial(ctx, net.JoinHostPort(peerIP, strconv.Itoa(peerPort)))
	cancel()
	if err == nil {
		session, serr := ConstructSession(n, false,
			conn, peerIP+"="+l.blockchain+":"+strconv.Itoa(peerPort))
		if serr != nil {
			n.issueError(serr.Error())
		} else if session != nil {
			started = true
			session.Start()
		}
	}

	if !started {
		n.reg.AddPeerToRetry(peerInfo, l.blockchain)
	}
}

// CreatePeerInitiator dials an outbound peer session. With force set, any
// recorded rejection of the IP is cleared first; otherwise a non-accepted
// IP is refused.
func (n *Node) CreatePeerInitiator(port int, ipAddr, blockchain string, force bool) error {
	if !force && blockchain != "" {
		n.RegisterBlockchain(port, blockchain)
	}
	if n.IsShuttingDown() || n.reg.HasMaxPeers() {
		return ErrShuttingDown
	}

	if force {
		n.reg.RemovePeerAddrRejection(ipAddr)
	} else if !n.reg.IsAcceptedPeerAddr(ipAddr) {
		return fmt.Errorf("ip address %s is not permitted", ipAddr)
	}

	dialer := NewDialer(connectTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := dialer.Dial(ctx, net.JoinHostPort(ipAddr, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	chain := blockchain
	if chain == "" {
		chain = n.BlockchainForPort(port)
	}

	session, err := ConstructSession(n, false, conn, ipAddr+"="+chain+":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	if session != nil {
		session.Start()
	}
	return nil
}

// CreateInitialPeerSessions dials every accepted configured initial peer.
func (n *Node) CreateInitialPeerSessions() {
	ips := make([]string, 0, len(n.cfg.InitialPeerIPs))
	for ip := range n.cfg.InitialPeerIPs {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	dialer := NewDialer(connectTimeout, 30*time.Second)

	for _, ipAddr := range ips {
		blockchain := n.cfg.InitialPeerIPs[ipAddr]

		// A specific port can be given when an initial peer is not using
		// the standard port for its blockchain.
		port := 0
		if pos := strings.IndexByte(blockchain, ':'); pos >= 0 {
			if p, err := strconv.Atoi(blockchain[pos+1:]); err == nil {
				port = p
			}
			blockchain = blockchain[:pos]
		} else if p, err := n.BlockchainPort(blockchain); err == nil {
			port = p
		}
		if port == 0 {
			n.issueWarning("no port known for initial peer " + ipAddr)
			continue
		}

		if !n.reg.IsAcceptedPeerAddr(ipAddr) {
			continue
		}
		if n.IsShuttingDown() || n.reg.HasMaxPeers() {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		conn, err := dialer.Dial(ctx, net.JoinHostPort(ipAddr, strconv.Itoa(port)))
		cancel()
		if err != nil {
			continue
		}

		session, err := ConstructSession(n, false,
			conn, ipAddr+"="+blockchain+":"+strconv.Itoa(port))
		if err != nil {
			n.issueError(err.Error())
			continue
		}
		if session != nil {
			session.Start()
		}
	}
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func chainSuffix(blockchain string) string {
	if blockchain == "" {
		return ""
	}
	return " for blockchain " + blockchain
}
