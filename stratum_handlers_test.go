package main

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestHandleSubscribe(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)

	result, err := s.handleSubscribe(client, []any{"cpuminer/2.5"})
	if err != nil {
		t.Fatal(err)
	}
	if client.clientName != "cpuminer/2.5" {
		t.Error("client name not recorded")
	}
	tuple, ok := result.([]any)
	if !ok || len(tuple) != 3 {
		t.Fatalf("subscribe result shape: %v", result)
	}
	subs := tuple[0].([]any)
	diffSub := subs[0].([]any)
	if diffSub[0] != "mining.set_difficulty" || diffSub[1] != subscribeDifficultyPlaceholder {
		t.Errorf("set_difficulty subscription: %v", diffSub)
	}
	notifySub := subs[1].([]any)
	if notifySub[0] != "mining.notify" || notifySub[1] != subscriptionIDPlaceholder {
		t.Errorf("notify subscription: %v", notifySub)
	}
	en1, ok := tuple[1].(string)
	if !ok || len(en1) != extranonce1Size*2 {
		t.Errorf("extranonce1 field: %v", tuple[1])
	}
	want := hex.EncodeToString(client.extraNonce1(chainhash.Hash{}))
	if en1 != want {
		t.Error("subscribe extranonce1 must derive from the secret alone")
	}
	if tuple[2] != extranonce2Size {
		t.Errorf("extranonce2 size: %v", tuple[2])
	}
}

func TestHandleAuthorizeMindiffSuffix(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	addr, script := testPayoutAddress(t)
	client := newStratumClient(nil)

	result, err := s.handleAuthorize(client, []any{addr + "+512.5", "x"})
	if err != nil {
		t.Fatal(err)
	}
	if result != true {
		t.Fatalf("authorize result %v", result)
	}
	if client.mindiff != 512.5 {
		t.Errorf("mindiff = %v", client.mindiff)
	}
	if !client.authorized || !client.sendWork {
		t.Error("authorize must mark the session authorized and flag work")
	}
	if !equalBytes(client.payoutScript, script) {
		t.Error("payout script mismatch")
	}
}

func TestHandleAuthorizeInvalidAddress(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)
	_, err := s.handleAuthorize(client, []any{"definitely-not-an-address", "x"})
	se, ok := err.(*stratumError)
	if !ok || se.code != rpcInvalidParameter {
		t.Fatalf("invalid address: %v", err)
	}
	if client.authorized {
		t.Error("failed authorize must not mark the session authorized")
	}
}

func TestParseMergeMineOptions(t *testing.T) {
	chainX := chainhash.Hash(sha256Sum([]byte("chainX")))
	defaultChain := chainhash.Hash(sha256Sum([]byte("default")))
	fake := newFakeMergeMine()
	fake.names["chainX"] = chainX
	fake.defaultID = defaultChain
	fake.haveDefault = true
	s := newTestServer(t, testServerOpts{mergeMine: fake})

	addr, _ := testPayoutAddress(t)

	var explicitID chainhash.Hash
	for i := range explicitID {
		explicitID[i] = 0x42
	}

	password := "chainX=bob:p, " + hashHex(explicitID) + "=alice, " + addr + ", junktoken, chainX=dup"
	mmauth := s.parseMergeMineOptions(password)

	if len(mmauth) != 3 {
		t.Fatalf("mmauth size %d: %+v", len(mmauth), mmauth)
	}
	if got := mmauth[chainX]; got.username != "bob" || got.password != "p" {
		t.Errorf("named chain credentials: %+v", got)
	}
	if got := mmauth[explicitID]; got.username != "alice" || got.password != "" {
		t.Errorf("hex chain credentials: %+v", got)
	}
	if got := mmauth[defaultChain]; got.username != addr || got.password != "x" {
		t.Errorf("default aux-pow path credentials: %+v", got)
	}
}

func TestParseMergeMineOptionsRejectsMostlyZeroChainID(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	// 64 hex chars but only the first 8 bytes populated: not a plausible
	// aux-pow path.
	var sparse chainhash.Hash
	sparse[0] = 0x01
	mmauth := s.parseMergeMineOptions(hashHex(sparse) + "=user")
	if len(mmauth) != 0 {
		t.Fatalf("sparse chain id should be skipped: %+v", mmauth)
	}
}

func TestHandleConfigureVersionRolling(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)

	result, err := s.handleConfigure(client, []any{
		[]any{"version-rolling"},
		map[string]any{
			"version-rolling.mask":          "1fffe000",
			"version-rolling.min-bit-count": float64(2),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := result.(map[string]any)
	if res["version-rolling"] != true {
		t.Errorf("version-rolling ack: %v", res)
	}
	if res["version-rolling.mask"] != "1fffe000" {
		t.Errorf("mask echo: %v", res["version-rolling.mask"])
	}
	if client.versionRollingMask != 0x1fffe000 {
		t.Errorf("stored mask %08x", client.versionRollingMask)
	}
}

func TestHandleConfigureMaskClamped(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)

	result, err := s.handleConfigure(client, []any{
		[]any{"version-rolling"},
		map[string]any{
			"version-rolling.mask":          "ffffffff",
			"version-rolling.min-bit-count": float64(2),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if client.versionRollingMask != versionRollingAllowedMask {
		t.Errorf("mask not clamped: %08x", client.versionRollingMask)
	}
	res := result.(map[string]any)
	if res["version-rolling.mask"] != "1fffe000" {
		t.Errorf("clamped mask echo: %v", res["version-rolling.mask"])
	}
}

func TestHandleConfigureUnknownExtension(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)
	result, err := s.handleConfigure(client, []any{
		[]any{"minimum-difficulty"},
		map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := result.(map[string]any)
	if len(res) != 0 {
		t.Errorf("unknown extensions must be skipped, got %v", res)
	}
	if client.versionRollingMask != 0 {
		t.Error("mask must stay unset")
	}
}

func TestHandleExtranonceSubscribe(t *testing.T) {
	s := newTestServer(t, testServerOpts{})
	client := newStratumClient(nil)
	result, err := s.handleExtranonceSubscribe(client, nil)
	if err != nil || result != true {
		t.Fatalf("extranonce.subscribe: %v %v", result, err)
	}
	if !client.supportsExtranonce {
		t.Fatal("flag not set")
	}
}
