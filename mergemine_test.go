package main

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func testChainConfig(name string, seed string, def bool) MergeMineChainConfig {
	return MergeMineChainConfig{
		Name:    name,
		ChainID: hashHex(chainhash.Hash(sha256Sum([]byte(seed)))),
		Default: def,
	}
}

func TestNewMergeMineManager(t *testing.T) {
	mgr, err := newMergeMineManager([]MergeMineChainConfig{
		testChainConfig("alpha", "alpha", false),
		testChainConfig("beta", "beta", true),
	})
	if err != nil {
		t.Fatal(err)
	}

	alphaID := chainhash.Hash(sha256Sum([]byte("alpha")))
	betaID := chainhash.Hash(sha256Sum([]byte("beta")))

	if id, ok := mgr.ChainIDForName("alpha"); !ok || id != alphaID {
		t.Errorf("alpha lookup: %v %v", id, ok)
	}
	if _, ok := mgr.ChainIDForName("gamma"); ok {
		t.Error("unknown name must not resolve")
	}
	if id, ok := mgr.DefaultChainID(); !ok || id != betaID {
		t.Errorf("default chain: %v %v", id, ok)
	}

	if _, err := newMergeMineManager([]MergeMineChainConfig{{Name: "bad", ChainID: "xyz"}}); err == nil {
		t.Fatal("malformed chain id must fail")
	}
}

func TestHandleAuxNotify(t *testing.T) {
	mgr, err := newMergeMineManager([]MergeMineChainConfig{testChainConfig("alpha", "alpha", false)})
	if err != nil {
		t.Fatal(err)
	}
	alphaID := chainhash.Hash(sha256Sum([]byte("alpha")))
	ch := mgr.chains[alphaID]

	commit := chainhash.Hash(sha256Sum([]byte("commitment")))
	mgr.handleAuxNotify(ch, []any{"job-9", hashHex(commit), "1d00ffff", float64(3)})

	work := mgr.GetMergeMineWork(map[chainhash.Hash]mmAuth{alphaID: {username: "u"}})
	aw, ok := work[alphaID]
	if !ok {
		t.Fatal("aux work not recorded")
	}
	if aw.JobID != "job-9" || aw.Commit != commit || aw.Bits != 0x1d00ffff || aw.Bias != 3 {
		t.Fatalf("aux work fields: %+v", aw)
	}

	// Chains the caller is not authorized for are not returned.
	if len(mgr.GetMergeMineWork(nil)) != 0 {
		t.Fatal("work returned without authorization")
	}

	// Malformed notifications leave the previous work in place.
	mgr.handleAuxNotify(ch, []any{"job-10", "zz", "1d00ffff", float64(0)})
	work = mgr.GetMergeMineWork(map[chainhash.Hash]mmAuth{alphaID: {}})
	if work[alphaID].JobID != "job-9" {
		t.Fatal("malformed notify overwrote work")
	}
}

func TestHandleSecondStageNotify(t *testing.T) {
	mgr, err := newMergeMineManager([]MergeMineChainConfig{testChainConfig("alpha", "alpha", false)})
	if err != nil {
		t.Fatal(err)
	}
	alphaID := chainhash.Hash(sha256Sum([]byte("alpha")))
	ch := mgr.chains[alphaID]

	prev := chainhash.Hash(sha256Sum([]byte("prev")))
	sib := chainhash.Hash(sha256Sum([]byte("sib")))
	mgr.handleSetDifficulty(ch, []any{float64(16)})
	mgr.handleSecondStageNotify(ch, []any{
		"ss-1",
		hashHex(prev),
		"0102",
		"0304",
		[]any{hashHex(sib)},
		"20000000",
		"207fffff",
		"65000000",
		true,
	})

	chainID, ssw := mgr.GetSecondStageWork(nil)
	if ssw == nil || chainID != alphaID {
		t.Fatal("second-stage work not recorded")
	}
	if ssw.JobID != "ss-1" || ssw.HashPrevBlock != prev {
		t.Fatalf("second-stage fields: %+v", ssw)
	}
	if len(ssw.CBBranch) != 1 || ssw.CBBranch[0] != sib {
		t.Fatal("second-stage branch lost")
	}
	if ssw.Diff != 16 {
		t.Fatalf("upstream difficulty not applied: %v", ssw.Diff)
	}

	// Hint for a chain without work falls back to any available bundle.
	otherID := chainhash.Hash(sha256Sum([]byte("other")))
	chainID, ssw = mgr.GetSecondStageWork(&otherID)
	if ssw == nil || chainID != alphaID {
		t.Fatal("hint fallback failed")
	}
}
