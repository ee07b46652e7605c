package core

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testVerifier overrides selected Verifier operations; everything left nil
// falls back to the structural BasicVerifier behavior.
type testVerifier struct {
	BasicVerifier

	constructNewBlock  func(blockchain, password string) ([]byte, NewBlockInfo, error)
	hasBetterBlock     func(blockchain string, height, weight uint64) bool
	verifyCoreFile     func(data []byte, validate bool) ([]Extra, error)
	checkAccount       func(blockchain, password string) (string, error)
	constructNewTx     func(blockchain, password, account, application, logCommand string, fileInfo []string) ([]byte, string, error)
	constructTxScripts func(blockchain, txHash string) (uint64, []string, error)

	verified int
}

func (v *testVerifier) ConstructNewBlock(blockchain, password string) ([]byte, NewBlockInfo, error) {
	if v.constructNewBlock != nil {
		return v.constructNewBlock(blockchain, password)
	}
	return v.BasicVerifier.ConstructNewBlock(blockchain, password)
}

func (v *testVerifier) HasBetterBlock(blockchain string, height, weight uint64) bool {
	if v.hasBetterBlock != nil {
		return v.hasBetterBlock(blockchain, height, weight)
	}
	return false
}

func (v *testVerifier) VerifyCoreFile(data []byte, validate bool) ([]Extra, error) {
	v.verified++
	if v.verifyCoreFile != nil {
		return v.verifyCoreFile(data, validate)
	}
	return v.BasicVerifier.VerifyCoreFile(data, validate)
}

func (v *testVerifier) CheckAccount(blockchain, password string) (string, error) {
	if v.checkAccount != nil {
		return v.checkAccount(blockchain, password)
	}
	return v.BasicVerifier.CheckAccount(blockchain, password)
}

func (v *testVerifier) ConstructNewTransaction(blockchain, password, account, application, logCommand string, fileInfo []string) ([]byte, string, error) {
	if v.constructNewTx != nil {
		return v.constructNewTx(blockchain, password, account, application, logCommand, fileInfo)
	}
	return v.BasicVerifier.ConstructNewTransaction(blockchain, password, account, application, logCommand, fileInfo)
}

func (v *testVerifier) ConstructTransactionScripts(blockchain, txHash string) (uint64, []string, error) {
	if v.constructTxScripts != nil {
		return v.constructTxScripts(blockchain, txHash)
	}
	return v.BasicVerifier.ConstructTransactionScripts(blockchain, txHash)
}

func quietLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return lg
}

func newTestNode(t *testing.T, verifier Verifier) *Node {
	t.Helper()
	store, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if verifier == nil {
		verifier = &testVerifier{}
	}
	return NewNode(Config{MaxPeers: 10, DataDir: t.TempDir()}, store, verifier, quietLogger())
}

// pinProbes disables the random chk/pip probe schedule for the duration of
// the test so orchestration is deterministic.
func pinProbes(t *testing.T) {
	t.Helper()
	prev := randIntn
	randIntn = func(int) int { return 1 }
	t.Cleanup(func() { randIntn = prev })
}

// tcpPair returns two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			ch <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-ch
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// newManualSession builds a session around an existing connection, skipping
// the greeting and PID exchange, so tests can drive the state machine.
func newManualSession(t *testing.T, node *Node, conn net.Conn, responder bool, blockchain string) *Session {
	t.Helper()
	vars, err := node.reg.RegisterSession("127.0.0.1")
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	s := &Session{
		node:        node,
		tr:          NewTransport(conn),
		vars:        vars,
		isLocal:     true,
		isResponder: responder,
		ipAddr:      "127.0.0.1",
		blockchain:  blockchain,
		log:         node.log.WithField("peer", "test"),
	}
	if responder {
		s.state = stateResponder
	} else {
		s.state = stateInitiator
	}
	s.lastIssuedWasPut = !responder
	s.needsBlockchainInfo = !responder && blockchain != ""
	t.Cleanup(func() { node.reg.DeregisterSession(vars) })
	return s
}

// wire drives the remote end of a session under test.
type wire struct {
	t  *testing.T
	c  net.Conn
	rd *bufio.Reader
}

func newWire(t *testing.T, c net.Conn) *wire {
	return &wire{t: t, c: c, rd: bufio.NewReader(c)}
}

func (w *wire) line() string {
	w.t.Helper()
	w.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := w.rd.ReadString('\n')
	if err != nil {
		w.t.Fatalf("read line: %v", err)
	}
	return line[:len(line)-1]
}

func (w *wire) expect(want string) {
	w.t.Helper()
	if got := w.line(); got != want {
		w.t.Fatalf("expected line %q, got %q", want, got)
	}
}

func (w *wire) send(line string) {
	w.t.Helper()
	w.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(w.c, line+"\n"); err != nil {
		w.t.Fatalf("write line: %v", err)
	}
}

func (w *wire) sendBlob(data []byte) {
	w.t.Helper()
	w.send(strconv.Itoa(len(data)))
	if _, err := w.c.Write(data); err != nil {
		w.t.Fatalf("write blob: %v", err)
	}
}

func (w *wire) recvBlob() []byte {
	w.t.Helper()
	sizeLine := w.line()
	size, err := strconv.Atoi(sizeLine)
	if err != nil {
		w.t.Fatalf("invalid blob size line %q", sizeLine)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(w.rd, data); err != nil {
		w.t.Fatalf("read blob: %v", err)
	}
	return data
}

// makeCoreFile builds a core file body for the given type plus fields.
func makeCoreFile(t *testing.T, coreType string, fields map[string]any) []byte {
	t.Helper()
	body := map[string]any{"core_type": coreType}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal core file: %v", err)
	}
	return append([]byte{fileTypeCore}, payload...)
}

func mustStore(t *testing.T, store FileStore, data []byte) string {
	t.Helper()
	hash, err := store.CreateRawFile(data)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return hash
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
