package core

import (
	"strings"
	"testing"
)

func runIssueCmd(t *testing.T, s *Session) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.issueCmdForPeer() }()
	return done
}

func TestIssueCmdDrainsAndFetches(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "")
	s.state = stateWaitingForPut
	s.lastIssuedWasPut = true

	have := append([]byte{fileTypeBlob}, "already here"...)
	haveHash := mustStore(t, node.store, have)

	missing := append([]byte{fileTypeBlob}, "needs fetching"...)
	missingHash := hashBytes(missing)

	s.filesToGet = []string{haveHash, missingHash}

	w := newWire(t, remote)
	done := runIssueCmd(t, s)
	w.expect(cmdGet + " " + missingHash)
	w.sendBlob(missing)
	join(t, done)

	if len(s.filesToGet) != 0 {
		t.Fatalf("queue should be drained, have %v", s.filesToGet)
	}
	if !node.store.HasFile(missingHash, false) {
		t.Fatal("fetched file should be stored")
	}
}

func TestIssueCmdReprocessMarker(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "")
	s.state = stateWaitingForPut
	s.lastIssuedWasPut = true

	stored := append([]byte{fileTypeBlob}, "reprocess me"...)
	storedHash := mustStore(t, node.store, stored)

	s.filesToGet = []string{string(reprocessPrefix) + storedHash}

	// With the marker consumed and the queue empty the session falls back
	// to a hello fetch.
	w := newWire(t, remote)
	done := runIssueCmd(t, s)
	w.expect(cmdGet + " " + hashBytes(helloData()))
	w.sendBlob(helloData())
	join(t, done)

	if len(s.filesToGet) != 0 {
		t.Fatal("marker entry should have been erased")
	}
}

func TestIssueCmdBlockchainInfoRound(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "x")

	infoHash := hashBytes([]byte("remote info file"))

	w := newWire(t, remote)
	done := runIssueCmd(t, s)
	if got := w.line(); got != cmdChk+" cx.info" {
		t.Fatalf("expected info chk, got %q", got)
	}
	w.send(infoHash)
	join(t, done)

	if s.needsBlockchainInfo {
		t.Fatal("a returned hash should clear the info flag")
	}
	if len(s.filesToGet) != 1 || s.filesToGet[0] != infoHash {
		t.Fatalf("info hash should be queued for get, have %v", s.filesToGet)
	}
}

func TestIssueCmdBlockchainInfoNotFoundKeepsFlag(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "x")

	w := newWire(t, remote)
	done := runIssueCmd(t, s)
	w.line()
	w.send(responseNotFound)
	join(t, done)

	if !s.needsBlockchainInfo {
		t.Fatal("the flag should survive a (none) answer so the round retries")
	}
	if len(s.filesToGet) != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestIssueCmdBlockchainInfoAlreadyProcessed(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "x")

	infoHash := hashBytes([]byte("same info as before"))
	s.vars.Set(varBlockchainInfo, infoHash)
	s.vars.Set(varBlockchainHead, "stale-head")
	s.vars.Set(varSynchronising, "x")

	w := newWire(t, remote)
	done := runIssueCmd(t, s)
	w.line()
	w.send(infoHash)
	join(t, done)

	if s.vars.Get(varBlockchainHead) != "" || s.vars.Get(varSynchronising) != "" {
		t.Fatal("an already-processed info hash should clear head and sync flags")
	}
	if len(s.filesToGet) != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestIntegrityProbeVerifiesHashWithNonce(t *testing.T) {
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "")
	s.state = stateWaitingForPut

	data := append([]byte{fileTypeBlob}, "probe target"...)
	hash := mustStore(t, node.store, data)
	s.priorPutHash = hash

	// Force the probe branch.
	prev := randIntn
	randIntn = func(int) int { return 0 }
	t.Cleanup(func() { randIntn = prev })

	w := newWire(t, remote)
	done := runIssueCmd(t, s)

	line := w.line()
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != cmdChk || fields[1] != hash {
		t.Fatalf("expected a chk probe with nonce, got %q", line)
	}
	w.send(hashWithNonce(data, fields[2]))
	join(t, done)
}

func TestIntegrityProbeFailureEndsSession(t *testing.T) {
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "")
	s.state = stateWaitingForPut

	data := append([]byte{fileTypeBlob}, "evicted on the peer"...)
	hash := mustStore(t, node.store, data)
	s.priorPutHash = hash

	prev := randIntn
	randIntn = func(int) int { return 0 }
	t.Cleanup(func() { randIntn = prev })

	w := newWire(t, remote)
	done := make(chan error, 1)
	go func() { done <- s.issueCmdForPeer() }()

	w.line()
	w.send(responseNotFound)

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "unexpected invalid chk response") {
		t.Fatalf("expected an invalid chk response error, got %v", err)
	}
}

func TestAlternationFlipsAcrossRounds(t *testing.T) {
	pinProbes(t)
	node := newTestNode(t, nil)
	local, remote := tcpPair(t)
	s := newManualSession(t, node, local, false, "")
	s.state = stateWaitingForPut
	s.lastIssuedWasPut = true

	hello := helloData()
	helloHash := hashBytes(hello)

	w := newWire(t, remote)

	// Get turn.
	done := runIssueCmd(t, s)
	w.expect(cmdGet + " " + helloHash)
	w.sendBlob(hello)
	join(t, done)
	if s.lastIssuedWasPut {
		t.Fatal("a get turn should clear last_issued_was_put")
	}

	// Put turn.
	done = runIssueCmd(t, s)
	w.expect(cmdPut + " " + helloHash)
	w.recvBlob()
	join(t, done)
	if !s.lastIssuedWasPut {
		t.Fatal("a put turn should set last_issued_was_put")
	}
}
