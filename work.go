package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func marshalFrame(v any) ([]byte, error) {
	b, err := fastJSONMarshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// extraNonceRequest renders the mining.set_extranonce frame preceding a
// work delivery, for sessions that subscribed to extranonce updates.
func (s *stratumServer) extraNonceRequest(client *StratumClient, jobID chainhash.Hash) ([]byte, error) {
	if !client.supportsExtranonce {
		return nil, nil
	}
	return marshalFrame(StratumMessage{
		ID:     client.nextMessageID(),
		Method: "mining.set_extranonce",
		Params: []any{hex.EncodeToString(client.extraNonce1(jobID)), extranonce2Size},
	})
}

func (s *stratumServer) setDifficultyFrame(client *StratumClient, diff float64) ([]byte, error) {
	return marshalFrame(StratumMessage{
		ID:     client.nextMessageID(),
		Method: "mining.set_difficulty",
		Params: []any{diff},
	})
}

// splitCoinbase serializes a customized coinbase without witness data and
// cuts it around the 12-byte nonce region at the tail of the scriptSig.
// cb1 ends where extranonce1 begins; cb2 starts right after extranonce2.
func splitCoinbase(cb *wire.MsgTx) (cb1, cb2 []byte, err error) {
	var buf bytes.Buffer
	if err := cb.SerializeNoWitness(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	ds := buf.Bytes()
	// version(4) || vin count(1) || prevout(36) || scriptSig length(1)
	if len(ds) < 4+1+32+4+1 {
		return nil, nil, fmt.Errorf("serialized transaction too small to be a coinbase")
	}
	scriptLen := int(ds[4+1+32+4])
	pos := 4 + 1 + 32 + 4 + 1 + scriptLen
	if len(ds) < pos || pos < extranonce1Size+extranonce2Size {
		return nil, nil, fmt.Errorf("customized coinbase has no extranonce field at expected location")
	}
	cut := pos - extranonce1Size - extranonce2Size
	cb1 = append([]byte(nil), ds[:cut]...)
	cb2 = append([]byte(nil), ds[pos:]...)
	return cb1, cb2, nil
}

// customizeCoinbase applies the per-miner pieces to a coinbase copy: the
// height-and-nonce scriptSig and the payout address over the placeholder
// output.
func customizeCoinbase(cb *wire.MsgTx, height int64, extranonce1 []byte, extranonce2 []byte, payoutScript []byte) error {
	if len(cb.TxIn) != 1 {
		return fmt.Errorf("unexpected number of inputs; is this even a coinbase transaction?")
	}
	if len(cb.TxOut) == 0 {
		return fmt.Errorf("coinbase transaction is missing outputs")
	}
	nonce := make([]byte, 0, extranonce1Size+extranonce2Size)
	nonce = append(nonce, extranonce1...)
	nonce = append(nonce, extranonce2...)
	if len(nonce) != extranonce1Size+extranonce2Size {
		return errInvalidParameter("unexpected combined nonce length: extranonce1(%d) + extranonce2(%d) != %d",
			len(extranonce1), len(extranonce2), extranonce1Size+extranonce2Size)
	}
	script, err := heightNonceScript(height, nonce)
	if err != nil {
		return fmt.Errorf("coinbase scriptSig: %w", err)
	}
	cb.TxIn[0].SignatureScript = script
	if bytes.Equal(cb.TxOut[0].PkScript, opFalseScript) && len(payoutScript) > 0 {
		cb.TxOut[0].PkScript = payoutScript
	}
	return nil
}

// customizedTemplateParts rebuilds the per-miner coinbase, block-final
// transaction and coinbase branch for a work template. Used by both work
// delivery and share validation so the two cannot disagree.
func (s *stratumServer) customizedTemplateParts(client *StratumClient, work *StratumWork, jobID chainhash.Hash, mmroot chainhash.Hash, haveRoot bool, extranonce2 []byte) (cb, bf *wire.MsgTx, branch []chainhash.Hash, err error) {
	cb = copyTx(work.block.Transactions[0])
	bf = copyTx(work.block.Transactions[len(work.block.Transactions)-1])

	if work.hasBlockFinalTx && haveRoot {
		updateBlockFinalTransaction(bf, mmroot)
	}

	err = customizeCoinbase(cb, work.height, client.extraNonce1(jobID), extranonce2, client.payoutScript)
	if err != nil {
		return nil, nil, nil, err
	}

	branch = work.cbBranch
	if work.isWitnessEnabled {
		branch = updateSegwitCommitment(work, cb, bf)
	}
	return cb, bf, branch, nil
}

// getWorkUnitLocked renders the full work delivery for one session: an
// optional set_extranonce, then set_difficulty, then mining.notify. The
// caller holds cs.
func (s *stratumServer) getWorkUnitLocked(client *StratumClient) ([]byte, error) {
	if s.node.peerCount == 0 && !s.cfg.MineBlocksOnDemand {
		return nil, errStratum(rpcClientNotConnected, "Node is not connected!")
	}
	if s.node.initialSync {
		return nil, errStratum(rpcClientInInitialDownload, "Node is downloading blocks...")
	}
	if !client.authorized {
		return nil, errStratum(rpcInvalidRequest, "Stratum client not authorized.  Use mining.authorize first, with a chain address as the username.")
	}

	if frames, done, err := s.secondStageWorkLocked(client); done {
		return frames, err
	}

	if err := s.refreshWorkTemplatesLocked(client); err != nil {
		return nil, err
	}
	work := s.workTemplates[s.curJobID]
	jobID := s.curJobID

	// First customization: the merge-mining commitment, when the template
	// carries a block-final transaction to put it in.
	var mmroot chainhash.Hash
	hasMergeMining := false
	if work.hasBlockFinalTx {
		if len(client.mmauth) > 0 {
			mmwork := s.mergeMine.GetMergeMineWork(client.mmauth)
			if len(mmwork) == 0 {
				logger.Debug("no auxiliary work commitments for miner", "peer", client.peer)
			} else {
				root, err := auxWorkMerkleRoot(mmwork)
				if err != nil {
					return nil, errStratum(rpcInternalError, "%s", err.Error())
				}
				mmroot = root
				if _, ok := client.mmwork[mmroot]; !ok {
					client.mmwork[mmroot] = mmWorkBundle{created: time.Now().UnixMilli(), work: mmwork}
				}
				hasMergeMining = true
			}
		}
	} else if len(client.mmauth) > 0 {
		logger.Debug("cannot add merge-mining commitments: template has no block-final transaction", "peer", client.peer)
	}

	zeros := make([]byte, extranonce2Size)
	cb, _, branch, err := s.customizedTemplateParts(client, work, jobID, mmroot, hasMergeMining, zeros)
	if err != nil {
		return nil, errStratum(rpcInternalError, "%s", err.Error())
	}

	diff := clampDifficulty(client, difficultyFromBits(work.block.Header.Bits))

	cb1, cb2, err := splitCoinbase(cb)
	if err != nil {
		return nil, errStratum(rpcInternalError, "%s", err.Error())
	}

	hdr := work.block.Header
	if delta := work.updateBlockTime(&hdr); delta != 0 {
		logger.Debug("updated template timestamp", "delta_seconds", delta)
	}

	branchHex := make([]string, 0, len(branch))
	for _, h := range branch {
		branchHex = append(branchHex, hashHex(h))
	}

	wireJobID := hashHex(jobID)
	if hasMergeMining {
		wireJobID += ":" + hashHex(mmroot)
	}

	clean := !client.haveLastTip || client.lastTip != work.prevHash
	notifyParams := []any{
		wireJobID,
		hashHex(swapHashWords(work.prevHash)),
		hex.EncodeToString(cb1),
		hex.EncodeToString(cb2),
		branchHex,
		hexInt4(uint32(hdr.Version)),
		hexInt4(hdr.Bits),
		hexInt4(uint32(hdr.Timestamp.Unix())),
		clean,
	}
	client.lastTip = work.prevHash
	client.haveLastTip = true

	enFrame, err := s.extraNonceRequest(client, jobID)
	if err != nil {
		return nil, errStratum(rpcInternalError, "%s", err.Error())
	}
	diffFrame, err := s.setDifficultyFrame(client, diff)
	if err != nil {
		return nil, errStratum(rpcInternalError, "%s", err.Error())
	}
	notifyFrame, err := marshalFrame(StratumMessage{
		ID:     client.nextMessageID(),
		Method: "mining.notify",
		Params: notifyParams,
	})
	if err != nil {
		return nil, errStratum(rpcInternalError, "%s", err.Error())
	}

	out := make([]byte, 0, len(enFrame)+len(diffFrame)+len(notifyFrame))
	out = append(out, enFrame...)
	out = append(out, diffFrame...)
	out = append(out, notifyFrame...)
	return out, nil
}

// secondStageWorkLocked delivers prefabricated upstream work when any is
// available, displacing the primary-template flow. Returns done=false when
// the caller should proceed with primary work.
func (s *stratumServer) secondStageWorkLocked(client *StratumClient) ([]byte, bool, error) {
	var hint *chainhash.Hash
	if client.lastSecondStage != nil {
		hint = &client.lastSecondStage.chainID
	}
	chainID, ssw := s.mergeMine.GetSecondStageWork(hint)
	if ssw == nil {
		client.lastSecondStage = nil
		s.secondStages = make(map[string]secondStageEntry)
		return nil, false, nil
	}

	diff := clampDifficulty(client, ssw.Diff)

	branchHex := make([]string, 0, len(ssw.CBBranch))
	for _, h := range ssw.CBBranch {
		branchHex = append(branchHex, hashHex(h))
	}
	clean := true
	if client.lastSecondStage != nil &&
		client.lastSecondStage.chainID == chainID &&
		client.lastSecondStage.prevHash == ssw.HashPrevBlock {
		clean = false
	}

	// The extranonce request is keyed by the chain id, not the wire job id:
	// second-stage nonce spaces are stable per chain.
	enFrame, err := s.extraNonceRequest(client, chainID)
	if err != nil {
		return nil, true, errStratum(rpcInternalError, "%s", err.Error())
	}
	diffFrame, err := s.setDifficultyFrame(client, diff)
	if err != nil {
		return nil, true, errStratum(rpcInternalError, "%s", err.Error())
	}
	notifyFrame, err := marshalFrame(StratumMessage{
		ID:     client.nextMessageID(),
		Method: "mining.notify",
		Params: []any{
			":" + ssw.JobID,
			hashHex(swapHashWords(ssw.HashPrevBlock)),
			hex.EncodeToString(ssw.CB1),
			hex.EncodeToString(ssw.CB2),
			branchHex,
			hexInt4(ssw.Version),
			hexInt4(ssw.Bits),
			hexInt4(ssw.Time),
			clean,
		},
	})
	if err != nil {
		return nil, true, errStratum(rpcInternalError, "%s", err.Error())
	}

	s.secondStages[ssw.JobID] = secondStageEntry{chainID: chainID, work: *ssw}
	client.lastSecondStage = &secondStageRef{chainID: chainID, prevHash: ssw.HashPrevBlock}

	out := make([]byte, 0, len(enFrame)+len(diffFrame)+len(notifyFrame))
	out = append(out, enFrame...)
	out = append(out, diffFrame...)
	out = append(out, notifyFrame...)
	return out, true, nil
}

// refreshWorkTemplatesLocked rebuilds the current template when the tip
// moved, the mempool changed and the rebuild interval elapsed, or the
// current job fell out of the cache; then runs eviction over both the
// template cache and the requesting session's merge-mining bundles.
func (s *stratumServer) refreshWorkTemplatesLocked(client *StratumClient) error {
	now := time.Now().Unix()
	tipChanged := !s.haveTip || (s.node.haveTip && s.node.tip != s.curTip)
	mempoolDue := s.node.mempoolTxns != s.txUpdatedLast && now-s.lastRebuild > templateMempoolRebuildInterval
	_, haveJob := s.workTemplates[s.curJobID]
	if s.haveCurJob && haveJob && !tipChanged && !mempoolDue {
		return nil
	}

	tpl, err := s.fetchBlockTemplate()
	if err != nil {
		return errStratum(rpcInternalError, "block template: %s", err.Error())
	}
	work, err := buildStratumWork(tpl, s.cfg.mergeMineEnabled())
	if err != nil {
		return errStratum(rpcInternalError, "block template: %s", err.Error())
	}

	jobID := work.jobID()
	s.workTemplates[jobID] = work
	s.curJobID = jobID
	s.haveCurJob = true
	s.curTip = work.prevHash
	s.haveTip = true
	s.txUpdatedLast = s.node.mempoolTxns
	s.lastRebuild = now

	logger.Info("new stratum block template",
		"total", len(s.workTemplates),
		"job", hashHex(jobID),
		"height", work.height,
		"txs", len(work.block.Transactions),
	)

	s.evictWorkTemplatesLocked(now)
	s.evictMergeMineBundlesLocked(client, now*1000)
	return nil
}

// evictWorkTemplatesLocked drops templates older than the age window
// (never the current job) and, if the cache is still over its count bound,
// the one with the smallest nTime.
func (s *stratumServer) evictWorkTemplatesLocked(now int64) {
	var oldJobIDs []chainhash.Hash
	for id, work := range s.workTemplates {
		if id == s.curJobID {
			continue
		}
		if work.block.Header.Timestamp.Unix() < now-workTemplateMaxAge {
			oldJobIDs = append(oldJobIDs, id)
		}
	}
	for _, id := range oldJobIDs {
		delete(s.workTemplates, id)
		logger.Debug("removed outdated stratum block template", "total", len(s.workTemplates), "job", hashHex(id))
	}
	if len(s.workTemplates) <= maxWorkTemplates {
		return
	}
	// Still over the count bound: evict the oldest of what remains.
	var oldestJobID chainhash.Hash
	haveOldest := false
	oldestTime := now
	for id, work := range s.workTemplates {
		if id == s.curJobID {
			continue
		}
		if nTime := work.block.Header.Timestamp.Unix(); nTime <= oldestTime || !haveOldest {
			oldestJobID = id
			oldestTime = nTime
			haveOldest = true
		}
	}
	if haveOldest {
		delete(s.workTemplates, oldestJobID)
		logger.Debug("removed oldest stratum block template", "total", len(s.workTemplates), "job", hashHex(oldestJobID))
	}
}

// evictMergeMineBundlesLocked applies the same eviction shape to a
// session's outstanding aux-work bundles, keyed on creation milliseconds.
func (s *stratumServer) evictMergeMineBundlesLocked(client *StratumClient, nowMillis int64) {
	if client == nil {
		return
	}
	var oldRoots []chainhash.Hash
	cutoff := nowMillis - mergeMineBundleMaxAge
	for root, bundle := range client.mmwork {
		if bundle.created < cutoff {
			oldRoots = append(oldRoots, root)
		}
	}
	for _, root := range oldRoots {
		delete(client.mmwork, root)
		logger.Debug("removed outdated merge-mining work unit", "peer", client.peer, "total", len(client.mmwork), "root", hashHex(root))
	}
	if len(client.mmwork) <= maxMergeMineBundles {
		return
	}
	var oldestRoot chainhash.Hash
	haveOldest := false
	oldestCreated := nowMillis
	for root, bundle := range client.mmwork {
		if bundle.created <= oldestCreated || !haveOldest {
			oldestRoot = root
			oldestCreated = bundle.created
			haveOldest = true
		}
	}
	if haveOldest {
		delete(client.mmwork, oldestRoot)
		logger.Debug("removed oldest merge-mining work unit", "peer", client.peer, "total", len(client.mmwork), "root", hashHex(oldestRoot))
	}
}

// fetchBlockTemplate asks the node for a fresh candidate block. This is the
// BlockAssembler seam: everything downstream consumes the returned template
// without further node access.
func (s *stratumServer) fetchBlockTemplate() (*GetBlockTemplateResult, error) {
	if s.cfg.templateFetcher != nil {
		return s.cfg.templateFetcher()
	}
	var tpl GetBlockTemplateResult
	params := map[string]any{
		"rules":        []string{"segwit"},
		"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
	}
	if err := s.rpc.call("getblocktemplate", []any{params}, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}
