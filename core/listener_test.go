package core

import (
	"net"
	"strconv"
	"testing"
	"time"
)

func TestCreatePeerListenerRejectsPrivilegedPort(t *testing.T) {
	node := newTestNode(t, nil)
	if err := node.CreatePeerListener(80, ""); err == nil {
		t.Fatal("ports below 1025 must be rejected")
	}
}

func TestCreatePeerListenerDuplicateIsNoop(t *testing.T) {
	node := newTestNode(t, nil)
	port := freePort(t)

	if err := node.CreatePeerListener(port, "x"); err != nil {
		t.Fatalf("listener: %v", err)
	}
	defer func() {
		node.Shutdown()
		node.Wait()
	}()

	if err := node.CreatePeerListener(port, "x"); err != nil {
		t.Fatalf("duplicate listener should be a no-op, got %v", err)
	}

	if chainPort, err := node.BlockchainPort("x"); err != nil || chainPort != port {
		t.Fatalf("chain port registration: %d err %v", chainPort, err)
	}
	if node.BlockchainForPort(port) != "x" {
		t.Fatal("port should resolve back to the chain")
	}
}

func TestRetryRequeuesUnreachablePeer(t *testing.T) {
	node := newTestNode(t, nil)

	// Bind a port just to learn a dead address, then free it.
	deadPort := freePort(t)

	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	l := &PeerListener{
		node:       node,
		port:       ln.Addr().(*net.TCPAddr).Port,
		blockchain: "x",
		ln:         ln,
		dialer:     NewDialer(200*time.Millisecond, time.Second),
	}

	deadAddr := "127.0.0.1!" + strconv.Itoa(deadPort)
	node.reg.AddPeerToRetry(deadAddr, "x")
	l.retryOnePeer()

	if got := node.reg.GetPeerToRetry("x"); got != deadAddr {
		t.Fatalf("an unreachable peer should be re-appended, got %q", got)
	}
}

func TestCreatePeerInitiatorRefusesUnacceptedIP(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	node := NewNode(Config{
		MaxPeers:         4,
		DataDir:          t.TempDir(),
		AcceptedPeerAddr: func(ip string) bool { return false },
	}, store, &testVerifier{}, quietLogger())

	if err := node.CreatePeerInitiator(freePort(t), "10.9.9.9", "", false); err == nil {
		t.Fatal("a non-accepted IP must be refused")
	}
}

func TestCreatePeerInitiatorRefusedWhileShuttingDown(t *testing.T) {
	node := newTestNode(t, nil)
	node.Shutdown()
	if err := node.CreatePeerInitiator(freePort(t), "127.0.0.1", "", false); err == nil {
		t.Fatal("dialling during shutdown must be refused")
	}
}
