package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AuxWork is the commitment an auxiliary chain wants parent miners to embed,
// plus the difficulty parameters its own proof-of-work check uses.
type AuxWork struct {
	Timestamp uint64
	JobID     string
	Commit    chainhash.Hash
	Bits      uint32
	Bias      uint8
}

// AuxProof lets an auxiliary chain verify that the parent block committed to
// its work, without reserializing the whole parent block: the midstate
// covers the block-final transaction up to its last 40 bytes (which the aux
// chain reconstructs itself), and the stable branch authenticates the
// block-final transaction's position in the parent transaction tree.
type AuxProof struct {
	MidstateHash   [32]byte
	MidstateBuffer []byte
	MidstateLength uint32

	LockTime  uint32
	AuxBranch []chainhash.Hash
	NumTxns   uint32

	Version       int32
	HashPrevBlock chainhash.Hash
	Time          uint32
	Bits          uint32
	Nonce         uint32
}

// SecondStageWork is a prefabricated job from an upstream aux endpoint,
// shaped exactly like mining.notify parameters.
type SecondStageWork struct {
	Timestamp     uint64
	Diff          float64
	JobID         string
	HashPrevBlock chainhash.Hash
	CB1           []byte
	CB2           []byte
	CBBranch      []chainhash.Hash
	Version       uint32
	Bits          uint32
	Time          uint32
}

type SecondStageProof struct {
	Extranonce1 []byte
	Extranonce2 []byte
	Version     uint32
	Time        uint32
	Nonce       uint32
}

// mergeMineClient is the narrow contract the stratum core has with the
// merge-mining subsystem. Tests substitute fakes for it.
type mergeMineClient interface {
	ChainIDForName(name string) (chainhash.Hash, bool)
	DefaultChainID() (chainhash.Hash, bool)
	RegisterMergeMineClient(chainID chainhash.Hash, username, password string)
	GetMergeMineWork(auth map[chainhash.Hash]mmAuth) map[chainhash.Hash]AuxWork
	GetSecondStageWork(hint *chainhash.Hash) (chainhash.Hash, *SecondStageWork)
	SubmitAuxChainShare(chainID chainhash.Hash, username string, work AuxWork, proof AuxProof)
	SubmitSecondStageShare(chainID chainhash.Hash, username string, work *SecondStageWork, proof SecondStageProof)
	ReconnectToMergeMineEndpoints()
}

// auxWorkMerkleRoot computes the merkle-map root committing to a bundle of
// auxiliary work. The commitment tree supports an effectively limitless
// number of entries, but only the single-entry case is generated today;
// anything larger must fail loudly rather than emit a wrong tree.
func auxWorkMerkleRoot(work map[chainhash.Hash]AuxWork) (chainhash.Hash, error) {
	if len(work) == 0 {
		return chainhash.Hash{}, nil
	}
	if len(work) != 1 {
		return chainhash.Hash{}, fmt.Errorf("aux work merkle root: %d commitments, only single-entry trees are supported", len(work))
	}
	for chainID, aw := range work {
		return merkleMapRootSingle(chainID, aw.Commit), nil
	}
	return chainhash.Hash{}, nil
}

// mergeMineChain is one configured upstream endpoint.
type mergeMineChain struct {
	name     string
	chainID  chainhash.Hash
	endpoint string
	isAuxPow bool // default aux-pow path chain

	conn              net.Conn
	writer            *bufio.Writer
	latest            *AuxWork
	second            *SecondStageWork
	secondDiffPending float64
	nextID            int
	regSent           map[string]struct{}
}

// mergeMineManager maintains one connection per configured auxiliary chain
// and tracks the freshest work each has announced. All state is guarded by
// its own mutex; it never takes the stratum lock.
type mergeMineManager struct {
	mu     sync.Mutex
	chains map[chainhash.Hash]*mergeMineChain
	names  map[string]chainhash.Hash

	defaultAuxPowPath chainhash.Hash
	haveDefault       bool

	dialTimeout time.Duration
}

func newMergeMineManager(chains []MergeMineChainConfig) (*mergeMineManager, error) {
	m := &mergeMineManager{
		chains:      make(map[chainhash.Hash]*mergeMineChain),
		names:       make(map[string]chainhash.Hash),
		dialTimeout: 5 * time.Second,
	}
	for _, cc := range chains {
		chainID, err := parseUInt256(cc.ChainID, "chainid")
		if err != nil {
			return nil, fmt.Errorf("mergemine chain %q: %w", cc.Name, err)
		}
		ch := &mergeMineChain{
			name:     cc.Name,
			chainID:  chainID,
			endpoint: cc.Endpoint,
			isAuxPow: cc.Default,
			regSent:  make(map[string]struct{}),
		}
		m.chains[chainID] = ch
		if cc.Name != "" {
			m.names[cc.Name] = chainID
		}
		if cc.Default && !m.haveDefault {
			m.defaultAuxPowPath = chainID
			m.haveDefault = true
		}
	}
	return m, nil
}

// ChainIDForName resolves a chain alias from an authorize password option.
func (m *mergeMineManager) ChainIDForName(name string) (chainhash.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.names[name]
	return id, ok
}

// DefaultChainID returns the default aux-pow path, used when an authorize
// password carries a bare aux-chain address.
func (m *mergeMineManager) DefaultChainID() (chainhash.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultAuxPowPath, m.haveDefault
}

func (m *mergeMineManager) RegisterMergeMineClient(chainID chainhash.Hash, username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chains[chainID]
	if !ok {
		logger.Warn("register for unconfigured merge-mine chain", "chain", hashHex(chainID), "username", username)
		return
	}
	if _, sent := ch.regSent[username]; sent {
		return
	}
	ch.regSent[username] = struct{}{}
	m.sendLocked(ch, "mining.aux.authorize", []any{username, password})
	logger.Info("registered merge-mine client", "chain", ch.name, "username", username)
}

func (m *mergeMineManager) GetMergeMineWork(auth map[chainhash.Hash]mmAuth) map[chainhash.Hash]AuxWork {
	out := make(map[chainhash.Hash]AuxWork)
	m.mu.Lock()
	defer m.mu.Unlock()
	for chainID := range auth {
		ch, ok := m.chains[chainID]
		if !ok || ch.latest == nil {
			continue
		}
		out[chainID] = *ch.latest
	}
	return out
}

// GetSecondStageWork returns an available second-stage bundle. When the
// caller is already working on second-stage work for some chain, that chain
// is passed as a hint and its bundle is preferred while still valid.
func (m *mergeMineManager) GetSecondStageWork(hint *chainhash.Hash) (chainhash.Hash, *SecondStageWork) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hint != nil {
		if ch, ok := m.chains[*hint]; ok && ch.second != nil {
			ssw := *ch.second
			return ch.chainID, &ssw
		}
	}
	for _, ch := range m.chains {
		if ch.second != nil {
			ssw := *ch.second
			return ch.chainID, &ssw
		}
	}
	return chainhash.Hash{}, nil
}

func (m *mergeMineManager) SubmitAuxChainShare(chainID chainhash.Hash, username string, work AuxWork, proof AuxProof) {
	branch := make([]string, 0, len(proof.AuxBranch))
	for _, h := range proof.AuxBranch {
		branch = append(branch, hashHex(h))
	}
	params := []any{
		username,
		work.JobID,
		hex.EncodeToString(proof.MidstateHash[:]),
		hex.EncodeToString(proof.MidstateBuffer),
		proof.MidstateLength,
		hexInt4(proof.LockTime),
		branch,
		proof.NumTxns,
		hexInt4(uint32(proof.Version)),
		hashHex(proof.HashPrevBlock),
		hexInt4(proof.Time),
		hexInt4(proof.Bits),
		hexInt4(proof.Nonce),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chains[chainID]
	if !ok {
		logger.Warn("aux share for unconfigured chain", "chain", hashHex(chainID))
		return
	}
	m.sendLocked(ch, "mining.aux.submit", params)
}

func (m *mergeMineManager) SubmitSecondStageShare(chainID chainhash.Hash, username string, work *SecondStageWork, proof SecondStageProof) {
	params := []any{
		username,
		work.JobID,
		hex.EncodeToString(proof.Extranonce1),
		hex.EncodeToString(proof.Extranonce2),
		hexInt4(proof.Version),
		hexInt4(proof.Time),
		hexInt4(proof.Nonce),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chains[chainID]
	if !ok {
		logger.Warn("second-stage share for unconfigured chain", "chain", hashHex(chainID))
		return
	}
	m.sendLocked(ch, "mining.submit", params)
}

// ReconnectToMergeMineEndpoints re-establishes any dropped upstream
// connections. Called from the block watcher on every pass.
func (m *mergeMineManager) ReconnectToMergeMineEndpoints() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.chains {
		if ch.conn != nil || ch.endpoint == "" {
			continue
		}
		conn, err := net.DialTimeout("tcp", ch.endpoint, m.dialTimeout)
		if err != nil {
			logger.Debug("merge-mine endpoint dial failed", "chain", ch.name, "endpoint", ch.endpoint, "error", err)
			continue
		}
		ch.conn = conn
		ch.writer = bufio.NewWriter(conn)
		go m.readLoop(ch, conn)
		m.sendLocked(ch, "mining.aux.subscribe", []any{hashHex(ch.chainID)})
		logger.Info("connected merge-mine endpoint", "chain", ch.name, "endpoint", ch.endpoint)
	}
}

func (m *mergeMineManager) sendLocked(ch *mergeMineChain, method string, params []any) {
	if ch.conn == nil {
		return
	}
	msg := StratumMessage{ID: ch.nextID, Method: method, Params: params}
	ch.nextID++
	b, err := fastJSONMarshal(msg)
	if err != nil {
		logger.Error("merge-mine marshal", "chain", ch.name, "error", err)
		return
	}
	b = append(b, '\n')
	_ = ch.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout))
	if _, err := ch.writer.Write(b); err == nil {
		err = ch.writer.Flush()
		if err == nil {
			return
		}
	}
	logger.Warn("merge-mine endpoint write failed; dropping connection", "chain", ch.name)
	m.dropLocked(ch)
}

func (m *mergeMineManager) dropLocked(ch *mergeMineChain) {
	if ch.conn != nil {
		_ = ch.conn.Close()
		ch.conn = nil
		ch.writer = nil
	}
}

// readLoop consumes aux work notifications from one upstream endpoint.
func (m *mergeMineManager) readLoop(ch *mergeMineChain, conn net.Conn) {
	reader := bufio.NewReaderSize(conn, maxStratumMessageSize)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			m.mu.Lock()
			if ch.conn == conn {
				m.dropLocked(ch)
			}
			m.mu.Unlock()
			logger.Info("merge-mine endpoint disconnected", "chain", ch.name, "error", err)
			return
		}
		var msg StratumRequest
		if err := fastJSONUnmarshal(line, &msg); err != nil {
			logger.Warn("merge-mine endpoint sent invalid json", "chain", ch.name, "error", err)
			continue
		}
		switch msg.Method {
		case "mining.aux.notify":
			m.handleAuxNotify(ch, msg.Params)
		case "mining.notify":
			m.handleSecondStageNotify(ch, msg.Params)
		case "mining.set_difficulty":
			m.handleSetDifficulty(ch, msg.Params)
		case "":
			// Response to one of our requests; nothing to track.
		default:
			logger.Debug("ignoring merge-mine method", "chain", ch.name, "method", msg.Method)
		}
	}
}

// handleAuxNotify records a fresh commitment for the chain:
// params = [job_id, commit, bits, bias].
func (m *mergeMineManager) handleAuxNotify(ch *mergeMineChain, params []any) {
	if len(params) < 4 {
		logger.Warn("aux notify with short params", "chain", ch.name, "count", len(params))
		return
	}
	jobID, ok0 := params[0].(string)
	commitHex, ok1 := params[1].(string)
	bitsHex, ok2 := params[2].(string)
	biasNum, ok3 := params[3].(float64)
	if !ok0 || !ok1 || !ok2 || !ok3 || biasNum < 0 || biasNum > 255 {
		logger.Warn("aux notify with malformed params", "chain", ch.name)
		return
	}
	commit, err := parseUInt256(commitHex, "commit")
	if err != nil {
		logger.Warn("aux notify with bad commit", "chain", ch.name, "error", err)
		return
	}
	bits, err := parseHexInt4(bitsHex, "bits")
	if err != nil {
		logger.Warn("aux notify with bad bits", "chain", ch.name, "error", err)
		return
	}
	aw := AuxWork{
		Timestamp: uint64(time.Now().UnixMilli()),
		JobID:     jobID,
		Commit:    commit,
		Bits:      bits,
		Bias:      uint8(biasNum),
	}
	m.mu.Lock()
	ch.latest = &aw
	m.mu.Unlock()
	logger.Debug("aux work updated", "chain", ch.name, "job", jobID, "commit", commit.String())
}

// handleSecondStageNotify stores a prebuilt job from the endpoint:
// params = [job_id, prevhash, cb1, cb2, [branch...], version, bits, time, clean].
func (m *mergeMineManager) handleSecondStageNotify(ch *mergeMineChain, params []any) {
	if len(params) < 8 {
		logger.Warn("second-stage notify with short params", "chain", ch.name, "count", len(params))
		return
	}
	jobID, _ := params[0].(string)
	prevHex, _ := params[1].(string)
	cb1Hex, _ := params[2].(string)
	cb2Hex, _ := params[3].(string)
	branchAny, _ := params[4].([]any)
	versionHex, _ := params[5].(string)
	bitsHex, _ := params[6].(string)
	timeHex, _ := params[7].(string)

	prev, err := parseUInt256(prevHex, "prevhash")
	if err != nil {
		logger.Warn("second-stage notify bad prevhash", "chain", ch.name, "error", err)
		return
	}
	cb1, err1 := hex.DecodeString(cb1Hex)
	cb2, err2 := hex.DecodeString(cb2Hex)
	if err1 != nil || err2 != nil {
		logger.Warn("second-stage notify bad coinbase parts", "chain", ch.name)
		return
	}
	branch := make([]chainhash.Hash, 0, len(branchAny))
	for _, item := range branchAny {
		s, ok := item.(string)
		if !ok {
			logger.Warn("second-stage notify bad branch entry", "chain", ch.name)
			return
		}
		h, err := parseUInt256(s, "branch")
		if err != nil {
			logger.Warn("second-stage notify bad branch hash", "chain", ch.name, "error", err)
			return
		}
		branch = append(branch, h)
	}
	version, errV := parseHexInt4(versionHex, "version")
	bits, errB := parseHexInt4(bitsHex, "bits")
	ntime, errT := parseHexInt4(timeHex, "time")
	if errV != nil || errB != nil || errT != nil {
		logger.Warn("second-stage notify bad header fields", "chain", ch.name)
		return
	}

	ssw := SecondStageWork{
		Timestamp:     uint64(time.Now().UnixMilli()),
		Diff:          difficultyFromBits(bits),
		JobID:         jobID,
		HashPrevBlock: prev,
		CB1:           cb1,
		CB2:           cb2,
		CBBranch:      branch,
		Version:       version,
		Bits:          bits,
		Time:          ntime,
	}
	m.mu.Lock()
	if ch.secondDiffPending > 0 {
		ssw.Diff = ch.secondDiffPending
	}
	ch.second = &ssw
	m.mu.Unlock()
	logger.Info("second-stage work updated", "chain", ch.name, "job", jobID)
}

func (m *mergeMineManager) handleSetDifficulty(ch *mergeMineChain, params []any) {
	if len(params) < 1 {
		return
	}
	diff, ok := params[0].(float64)
	if !ok || diff <= 0 {
		return
	}
	m.mu.Lock()
	ch.secondDiffPending = diff
	if ch.second != nil {
		ch.second.Diff = diff
	}
	m.mu.Unlock()
}
