package main

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// fakeMergeMine is a test double for the merge-mining subsystem.
type fakeMergeMine struct {
	mu sync.Mutex

	names       map[string]chainhash.Hash
	defaultID   chainhash.Hash
	haveDefault bool

	work        map[chainhash.Hash]AuxWork
	second      *SecondStageWork
	secondChain chainhash.Hash

	registered []fakeRegistration
	auxShares  []fakeAuxShare
	ssShares   []fakeSecondStageShare
	reconnects int
}

type fakeRegistration struct {
	chainID  chainhash.Hash
	username string
	password string
}

type fakeAuxShare struct {
	chainID  chainhash.Hash
	username string
	work     AuxWork
	proof    AuxProof
}

type fakeSecondStageShare struct {
	chainID  chainhash.Hash
	username string
	work     SecondStageWork
	proof    SecondStageProof
}

func newFakeMergeMine() *fakeMergeMine {
	return &fakeMergeMine{
		names: make(map[string]chainhash.Hash),
		work:  make(map[chainhash.Hash]AuxWork),
	}
}

func (f *fakeMergeMine) ChainIDForName(name string) (chainhash.Hash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.names[name]
	return id, ok
}

func (f *fakeMergeMine) DefaultChainID() (chainhash.Hash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultID, f.haveDefault
}

func (f *fakeMergeMine) RegisterMergeMineClient(chainID chainhash.Hash, username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, fakeRegistration{chainID, username, password})
}

func (f *fakeMergeMine) GetMergeMineWork(auth map[chainhash.Hash]mmAuth) map[chainhash.Hash]AuxWork {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[chainhash.Hash]AuxWork)
	for chainID := range auth {
		if aw, ok := f.work[chainID]; ok {
			out[chainID] = aw
		}
	}
	return out
}

func (f *fakeMergeMine) GetSecondStageWork(hint *chainhash.Hash) (chainhash.Hash, *SecondStageWork) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.second == nil {
		return chainhash.Hash{}, nil
	}
	ssw := *f.second
	return f.secondChain, &ssw
}

func (f *fakeMergeMine) SubmitAuxChainShare(chainID chainhash.Hash, username string, work AuxWork, proof AuxProof) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auxShares = append(f.auxShares, fakeAuxShare{chainID, username, work, proof})
}

func (f *fakeMergeMine) SubmitSecondStageShare(chainID chainhash.Hash, username string, work *SecondStageWork, proof SecondStageProof) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssShares = append(f.ssShares, fakeSecondStageShare{chainID, username, *work, proof})
}

func (f *fakeMergeMine) ReconnectToMergeMineEndpoints() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

// testTemplate is a minimal transactionless segwit template with a trivial
// target.
func testTemplate() *GetBlockTemplateResult {
	return &GetBlockTemplateResult{
		Bits:          "207fffff",
		CurTime:       time.Now().Unix(),
		Height:        100,
		Version:       0x20000000,
		Previous:      "0f0e0d0c0b0a09080706050403020100000000000000000000000000000000ff",
		CoinbaseValue: 5000000000,
		Rules:         []string{"segwit"},
	}
}

type testServerOpts struct {
	mergeMine   mergeMineClient
	withAuxTree bool
	template    *GetBlockTemplateResult
	onSubmit    func(*wire.MsgBlock) error
}

func newTestServer(t *testing.T, opts testServerOpts) *stratumServer {
	t.Helper()
	cfg := defaultConfig()
	cfg.Network = "regtest"
	cfg.MineBlocksOnDemand = true
	tpl := opts.template
	if tpl == nil {
		tpl = testTemplate()
	}
	cfg.templateFetcher = func() (*GetBlockTemplateResult, error) {
		dup := *tpl
		return &dup, nil
	}
	cfg.blockSubmitter = opts.onSubmit
	if cfg.blockSubmitter == nil {
		cfg.blockSubmitter = func(*wire.MsgBlock) error { return nil }
	}
	if opts.withAuxTree {
		cfg.MergeMine = []MergeMineChainConfig{{
			Name:    "testchain",
			ChainID: hashHex(chainhash.Hash(sha256Sum([]byte("testchain")))),
		}}
	}
	mm := opts.mergeMine
	if mm == nil {
		mm = newFakeMergeMine()
	}
	params := chaincfg.RegressionNetParams
	return newStratumServer(cfg, &params, nil, mm)
}

// testPayoutAddress is a fixed regtest P2PKH destination.
func testPayoutAddress(t *testing.T) (string, []byte) {
	t.Helper()
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i + 1)
	}
	addr, err := btcutil.NewAddressPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	script, _, err := scriptForAddress(addr.EncodeAddress(), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress(), script
}

// authorizeTestClient runs the authorize handler for a fresh session.
func authorizeTestClient(t *testing.T, s *stratumServer, password string) *StratumClient {
	t.Helper()
	addr, _ := testPayoutAddress(t)
	client := newStratumClient(nil)
	client.peer = "test"
	result, err := s.handleAuthorize(client, []any{addr, password})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if result != true {
		t.Fatalf("authorize result = %v, want true", result)
	}
	return client
}

// decodeFrames splits a work-unit byte stream into parsed JSON frames.
func decodeFrames(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range splitLines(data) {
		var frame map[string]any
		if err := fastJSONUnmarshal(line, &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// frameByMethod picks the first frame carrying a method name.
func frameByMethod(frames []map[string]any, method string) map[string]any {
	for _, frame := range frames {
		if m, _ := frame["method"].(string); m == method {
			return frame
		}
	}
	return nil
}

func notifyParams(t *testing.T, frames []map[string]any) []any {
	t.Helper()
	frame := frameByMethod(frames, "mining.notify")
	if frame == nil {
		t.Fatal("no mining.notify frame")
	}
	params, ok := frame["params"].([]any)
	if !ok || len(params) != 9 {
		t.Fatalf("mining.notify params malformed: %v", frame["params"])
	}
	return params
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}
