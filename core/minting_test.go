package core

import (
	"testing"
)

func candidateVerifier(t *testing.T, weights map[string]uint64, numTxs int) *testVerifier {
	t.Helper()
	return &testVerifier{
		constructNewBlock: func(blockchain, password string) ([]byte, NewBlockInfo, error) {
			data := makeCoreFile(t, coreTypeBlock, map[string]any{"minter": password})
			return data, NewBlockInfo{
				Height:  2,
				Weight:  weights[password],
				NumTxs:  numTxs,
				Range:   1,
				CanMint: true,
			}, nil
		},
	}
}

func newMintSession(t *testing.T, node *Node, blockchain string) *Session {
	t.Helper()
	a, _ := tcpPair(t)
	s := newManualSession(t, node, a, false, blockchain)
	s.vars.Set(varPeer, blockchain)
	return s
}

func TestMintNewBlockPicksLowestWeight(t *testing.T) {
	v := candidateVerifier(t, map[string]uint64{"alpha": 5, "beta": 3}, 1)
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")
	node.reg.UnlockPassword("x", "beta")

	data, info, pwdHash, err := node.MintNewBlock("x", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected a candidate")
	}
	if info.Weight != 3 {
		t.Fatalf("expected the lowest weight candidate, got %d", info.Weight)
	}
	if pwdHash != hashBytes([]byte("beta")) {
		t.Fatal("the candidate should be keyed to the winning password's hash")
	}
}

func TestMintNewBlockStopsWithoutTransactions(t *testing.T) {
	v := candidateVerifier(t, map[string]uint64{"alpha": 5}, 0)
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	data, _, pwdHash, err := node.MintNewBlock("x", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(data) != 0 || pwdHash != "" {
		t.Fatal("a candidate without transactions must not be kept")
	}
}

func TestMintingTickStoresAfterWait(t *testing.T) {
	v := candidateVerifier(t, map[string]uint64{"alpha": 4}, 1)
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	s := newMintSession(t, node, "x")

	// First tick constructs the candidate; Range 1 gives a wait of
	// minBlockWaitPasses passes before the store.
	s.mintingTick()
	if s.newBlockPwdHash == "" {
		t.Fatal("expected a candidate after the first tick")
	}
	for i := 0; i < minBlockWaitPasses; i++ {
		s.mintingTick()
	}
	if s.newBlockWait != 0 {
		t.Fatalf("wait should have elapsed, have %d", s.newBlockWait)
	}

	s.mintingTick()
	if s.newBlockPwdHash != "" {
		t.Fatal("the candidate is consumed by the store")
	}
	if v.verified != 1 {
		t.Fatalf("the re-minted block should be verified exactly once, got %d", v.verified)
	}
}

func TestMintingTickDropsCandidateOnBetterBlock(t *testing.T) {
	v := candidateVerifier(t, map[string]uint64{"alpha": 4}, 1)
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	s := newMintSession(t, node, "x")
	s.mintingTick()
	if s.newBlockPwdHash == "" {
		t.Fatal("expected a candidate")
	}

	v.hasBetterBlock = func(string, uint64, uint64) bool { return true }
	s.mintingTick()

	if s.newBlockPwdHash != "" {
		t.Fatal("a better announced block must drop the candidate")
	}
	if v.verified != 0 {
		t.Fatal("the dropped candidate must never be stored")
	}
}

func TestMintingTickDropsCandidateOnRelease(t *testing.T) {
	v := candidateVerifier(t, map[string]uint64{"alpha": 4}, 1)
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	s := newMintSession(t, node, "x")
	s.mintingTick()
	if s.newBlockPwdHash == "" {
		t.Fatal("expected a candidate")
	}

	node.reg.ReleasePassword("x", "alpha")
	s.mintingTick()

	if s.newBlockPwdHash != "" {
		t.Fatal("a released password must drop the candidate")
	}
	if node.reg.WasReleased("x") {
		t.Fatal("the release flag should have been consumed by the tick")
	}
}

func TestMintingElectionOnlyFirstSessionMints(t *testing.T) {
	minted := 0
	v := &testVerifier{
		constructNewBlock: func(string, string) ([]byte, NewBlockInfo, error) {
			minted++
			return nil, NewBlockInfo{}, nil
		},
	}
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	s1 := newMintSession(t, node, "x")
	s2 := newMintSession(t, node, "x")

	s2.mintingTick()
	if minted != 0 {
		t.Fatal("a later session must not win the minting election")
	}
	s1.mintingTick()
	if minted == 0 {
		t.Fatal("the earliest session should mint")
	}
}

func TestMintingSuppressedWhileSynchronising(t *testing.T) {
	minted := 0
	v := &testVerifier{
		constructNewBlock: func(string, string) ([]byte, NewBlockInfo, error) {
			minted++
			return nil, NewBlockInfo{}, nil
		},
	}
	node := newTestNode(t, v)
	node.reg.UnlockPassword("x", "alpha")

	s := newMintSession(t, node, "x")
	s.vars.Set(varSynchronising, "x")

	s.mintingTick()
	if minted != 0 {
		t.Fatal("minting must be suppressed while the chain is synchronising")
	}
}
