package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// processNewBlock hands a reconstructed block to the node for consensus
// acceptance. submitblock returns null on acceptance and a reason string
// otherwise.
func (s *stratumServer) processNewBlock(block *wire.MsgBlock) error {
	if s.cfg.blockSubmitter != nil {
		return s.cfg.blockSubmitter(block)
	}
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize block: %w", err)
	}
	var result *string
	if err := s.rpc.call("submitblock", []any{hex.EncodeToString(buf.Bytes())}, &result); err != nil {
		return err
	}
	if result != nil && *result != "" {
		return fmt.Errorf("submitblock: %s", *result)
	}
	return nil
}

// submitBlockShare validates a returned primary-chain share: it rebuilds
// the customized block header losslessly from the submitted pieces, checks
// proof of work, forwards winning blocks to consensus, and emits AuxProofs
// for every subscribed auxiliary chain. The caller holds cs.
func (s *stratumServer) submitBlockShare(client *StratumClient, jobID chainhash.Hash, mmroot chainhash.Hash, haveRoot bool, work *StratumWork, extranonce2 []byte, nTime, nNonce, nVersion uint32) (bool, error) {
	if len(work.block.Transactions) == 0 {
		return false, errStratum(rpcInternalError, "no transactions in block template; unable to submit work")
	}

	cb, bf, branch, err := s.customizedTemplateParts(client, work, jobID, mmroot, haveRoot, extranonce2)
	if err != nil {
		return false, err
	}

	hdr := work.block.Header
	hdr.MerkleRoot = merkleRootFromBranch(cb.TxHash(), branch, 0)
	hdr.Timestamp = time.Unix(int64(nTime), 0)
	hdr.Nonce = nNonce
	hdr.Version = int32(nVersion)

	hash := hdr.BlockHash()
	res := false
	if checkProofOfWork(hash, hdr.Bits, 0) {
		logger.Info("GOT BLOCK!!!", "miner", client.minerName(), "hash", hash.String())
		block := &wire.MsgBlock{Header: hdr}
		block.Transactions = append([]*wire.MsgTx(nil), work.block.Transactions...)
		if work.isWitnessEnabled && len(block.Transactions) > 1 {
			block.Transactions[len(block.Transactions)-1] = bf
		}
		block.Transactions[0] = cb
		block.Header.MerkleRoot = blockMerkleRoot(blockTxLeaves(block))
		if err := s.processNewBlock(block); err != nil {
			logger.Error("block rejected by node", "hash", hash.String(), "error", err)
		} else {
			res = true
			s.metrics.RecordBlockFound()
			s.recordFoundBlock(foundBlockRecord{
				Kind:   "block",
				Hash:   hash.String(),
				Height: work.height,
				Miner:  client.minerName(),
			})
		}
	} else {
		logger.Info("NEW SHARE!!!", "miner", client.minerName(), "hash", hash.String())
		s.metrics.RecordShare()
	}

	// Check whether the same work satisfies any auxiliary chain target, and
	// hand each one a proof it can verify on its own.
	if work.isWitnessEnabled && work.hasBlockFinalTx {
		if bundle, ok := client.mmwork[mmroot]; ok {
			proof, err := buildAuxProof(work, cb, bf, &hdr)
			if err != nil {
				return res, errStratum(rpcInternalError, "%s", err.Error())
			}
			for chainID, auxwork := range bundle.work {
				auth, authorized := client.mmauth[chainID]
				if !authorized {
					logger.Debug("share for chain we are not authorized for; unable to submit work", "chain", hashHex(chainID))
					continue
				}
				s.mergeMine.SubmitAuxChainShare(chainID, auth.username, auxwork, proof)
				s.metrics.RecordAuxShare()
				if checkProofOfWork(hash, auxwork.Bits, auxwork.Bias) {
					logger.Info("GOT AUX CHAIN BLOCK!!!",
						"chain", hashHex(chainID),
						"username", auth.username,
						"commit", auxwork.Commit.String(),
						"hash", hash.String(),
					)
					s.recordFoundBlock(foundBlockRecord{
						Kind:  "aux-block",
						Chain: hashHex(chainID),
						Hash:  hash.String(),
						Miner: auth.username,
					})
				} else {
					logger.Info("NEW AUX CHAIN SHARE!!!",
						"chain", hashHex(chainID),
						"username", auth.username,
						"commit", auxwork.Commit.String(),
						"hash", hash.String(),
					)
				}
			}
		}
	}

	if res {
		client.sendWork = true
	}
	return res, nil
}

// buildAuxProof compresses the block-final transaction to a SHA-256
// midstate (its last 40 bytes are the commitment tail every auxiliary
// verifier reconstructs itself) and authenticates its position with a
// stable branch over the customized transaction hashes.
func buildAuxProof(work *StratumWork, cb, bf *wire.MsgTx, hdr *wire.BlockHeader) (AuxProof, error) {
	var proof AuxProof

	var buf bytes.Buffer
	if err := bf.Serialize(&buf); err != nil {
		return proof, fmt.Errorf("serialize block-final tx: %w", err)
	}
	ds := buf.Bytes()
	if len(ds) < 40 {
		return proof, fmt.Errorf("block-final tx too small for commitment tail")
	}
	state, tail, absorbed, err := sha256Midstate(ds[:len(ds)-40])
	if err != nil {
		return proof, err
	}
	proof.MidstateHash = state
	proof.MidstateBuffer = tail
	proof.MidstateLength = uint32(absorbed)
	proof.LockTime = bf.LockTime

	leaves := blockTxLeaves(work.block)
	leaves[0] = cb.TxHash()
	leaves[len(leaves)-1] = bf.TxHash()
	branch, _ := stableMerkleBranch(leaves, uint32(len(leaves)-1))
	proof.AuxBranch = branch
	proof.NumTxns = uint32(len(leaves))

	proof.Version = hdr.Version
	proof.HashPrevBlock = hdr.PrevBlock
	proof.Time = uint32(hdr.Timestamp.Unix())
	proof.Bits = hdr.Bits
	proof.Nonce = hdr.Nonce
	return proof, nil
}

// submitSecondStage reconstructs a second-stage header from the upstream
// scaffolding and forwards the proof. PoW is verified only to pick the log
// line; the upstream endpoint is the authority.
func (s *stratumServer) submitSecondStage(client *StratumClient, chainID chainhash.Hash, work *SecondStageWork, extranonce2 []byte, nTime, nNonce, nVersion uint32) bool {
	auth, ok := client.mmauth[chainID]
	if !ok {
		logger.Debug("second stage share for chain we are not authorized for; unable to submit work", "chain", hashHex(chainID))
		return false
	}

	extranonce1 := client.extraNonce1(chainID)
	s.mergeMine.SubmitSecondStageShare(chainID, auth.username, work, SecondStageProof{
		Extranonce1: extranonce1,
		Extranonce2: extranonce2,
		Version:     nVersion,
		Time:        nTime,
		Nonce:       nNonce,
	})
	s.metrics.RecordAuxShare()

	leafData := make([]byte, 0, len(work.CB1)+len(extranonce1)+len(extranonce2)+len(work.CB2))
	leafData = append(leafData, work.CB1...)
	leafData = append(leafData, extranonce1...)
	leafData = append(leafData, extranonce2...)
	leafData = append(leafData, work.CB2...)
	leaf := chainhash.Hash(doubleSHA256(leafData))

	hdr := wire.BlockHeader{
		Version:    int32(nVersion),
		PrevBlock:  work.HashPrevBlock,
		MerkleRoot: merkleRootFromBranch(leaf, work.CBBranch, 0),
		Timestamp:  time.Unix(int64(nTime), 0),
		Bits:       work.Bits,
		Nonce:      nNonce,
	}
	hash := hdr.BlockHash()

	res := checkProofOfWork(hash, work.Bits, 0)
	if res {
		logger.Info("GOT AUX CHAIN SECOND STAGE BLOCK!!!", "chain", hashHex(chainID), "username", auth.username, "hash", hash.String())
		s.recordFoundBlock(foundBlockRecord{
			Kind:  "second-stage-block",
			Chain: hashHex(chainID),
			Hash:  hash.String(),
			Miner: auth.username,
		})
	} else {
		logger.Info("NEW AUX CHAIN SECOND STAGE SHARE!!!", "chain", hashHex(chainID), "username", auth.username, "hash", hash.String())
	}

	if res {
		client.sendWork = true
	}
	return res
}

// recordFoundBlock fans a found block out to the audit store and the
// optional notifier. Best effort on both; never blocks the submit path.
func (s *stratumServer) recordFoundBlock(rec foundBlockRecord) {
	rec.Time = time.Now().UTC()
	if s.audit != nil {
		s.audit.recordFoundBlock(rec)
	}
	if s.notifier != nil {
		s.notifier.announceBlock(rec)
	}
}

func (c *StratumClient) minerName() string {
	if c.addr != nil {
		return c.addr.String()
	}
	return c.peer
}
