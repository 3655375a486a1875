package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields this
// server consumes.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Mintime                  int64            `json:"mintime"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	Transactions             []GBTTransaction `json:"transactions"`
	Rules                    []string         `json:"rules"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

// StratumWork is an immutable snapshot of a candidate block and the pieces
// needed to customize it per miner. It is never mutated after insertion in
// the template cache; every customization happens on ephemeral copies.
type StratumWork struct {
	prevHash         chainhash.Hash
	block            *wire.MsgBlock
	cbBranch         []chainhash.Hash
	isWitnessEnabled bool
	hasBlockFinalTx  bool
	height           int64
	minTime          int64
}

func newStratumWork(prevHash chainhash.Hash, height int64, minTime int64, block *wire.MsgBlock, witnessEnabled, hasBlockFinal bool) *StratumWork {
	w := &StratumWork{
		prevHash:         prevHash,
		block:            block,
		isWitnessEnabled: witnessEnabled,
		hasBlockFinalTx:  hasBlockFinal,
		height:           height,
		minTime:          minTime,
	}
	if !witnessEnabled {
		// With witness commitments off, the coinbase branch never changes
		// under customization and can be computed once.
		w.cbBranch = blockMerkleBranch(block)
	}
	return w
}

var opFalseScript = []byte{txscript.OP_FALSE}

// heightNonceScript builds the customized coinbase scriptSig: the height
// push followed by a single push of extranonce1 || extranonce2.
func heightNonceScript(height int64, nonce []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddInt64(height).
		AddData(nonce).
		Script()
}

// blockFinalCommitmentScript is the full scriptPubKey carrying a
// merge-mining commitment: OP_RETURN, then a 36-byte push of root || tag.
func blockFinalCommitmentScript(root chainhash.Hash) []byte {
	script := make([]byte, 0, 2+32+4)
	script = append(script, txscript.OP_RETURN, 36)
	script = append(script, root[:]...)
	script = append(script, blockFinalCommitmentID[:]...)
	return script
}

// buildBlockFinalTx constructs the template's block-final transaction with
// a zeroed commitment. Serialized, the transaction ends with exactly
// root(32) || tag(4) || lock_time(4); auxiliary verifiers rebuild those 40
// bytes themselves when finishing the midstate in an AuxProof.
func buildBlockFinalTx(height int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    0,
		PkScript: blockFinalCommitmentScript(chainhash.Hash{}),
	})
	tx.LockTime = uint32(height)
	return tx
}

// updateBlockFinalTransaction rewrites the commitment root in the last
// output of a block-final transaction. Reports whether the transaction was
// modified.
func updateBlockFinalTransaction(bf *wire.MsgTx, root chainhash.Hash) bool {
	if len(bf.TxOut) == 0 {
		return false
	}
	out := bf.TxOut[len(bf.TxOut)-1]
	script := blockFinalCommitmentScript(root)
	if bytes.Equal(out.PkScript, script) {
		return false
	}
	out.PkScript = script
	return true
}

const witnessCommitmentScriptLen = 38 // OP_RETURN, 0x24, 4-byte header, 32-byte hash

var witnessCommitmentHeader = []byte{0xaa, 0x21, 0xa9, 0xed}

func isWitnessCommitmentScript(script []byte) bool {
	return len(script) >= witnessCommitmentScriptLen &&
		script[0] == txscript.OP_RETURN &&
		script[1] == 0x24 &&
		bytes.Equal(script[2:6], witnessCommitmentHeader)
}

// generateCoinbaseCommitment appends a fresh witness commitment output to
// the coinbase of a block whose transaction set is final. The coinbase
// witness carries the 32-byte reserved value.
func generateCoinbaseCommitment(block *wire.MsgBlock) {
	cb := block.Transactions[0]
	var witnessNonce [32]byte
	cb.TxIn[0].Witness = wire.TxWitness{witnessNonce[:]}
	root := witnessMerkleRoot(block)
	var buf [64]byte
	copy(buf[:32], root[:])
	copy(buf[32:], witnessNonce[:])
	commitment := doubleSHA256(buf[:])
	script := make([]byte, 0, witnessCommitmentScriptLen)
	script = append(script, txscript.OP_RETURN, 0x24)
	script = append(script, witnessCommitmentHeader...)
	script = append(script, commitment[:]...)
	cb.AddTxOut(&wire.TxOut{Value: 0, PkScript: script})
}

// updateSegwitCommitment substitutes the customized coinbase and
// block-final transactions into a copy of the template block, replaces the
// witness commitment, and recomputes the coinbase branch over the result.
func updateSegwitCommitment(work *StratumWork, cb, bf *wire.MsgTx) []chainhash.Hash {
	block := &wire.MsgBlock{Header: work.block.Header}
	block.Transactions = append([]*wire.MsgTx(nil), work.block.Transactions...)
	if len(block.Transactions) > 1 {
		block.Transactions[len(block.Transactions)-1] = bf
	}
	block.Transactions[0] = cb

	// Erase any existing commitment outputs before regenerating.
	outs := cb.TxOut[:0]
	for _, out := range cb.TxOut {
		if isWitnessCommitmentScript(out.PkScript) {
			continue
		}
		outs = append(outs, out)
	}
	cb.TxOut = outs
	generateCoinbaseCommitment(block)
	return blockMerkleBranch(block)
}

// copyTx deep-copies the pieces of a transaction that customization
// touches.
func copyTx(tx *wire.MsgTx) *wire.MsgTx {
	return tx.Copy()
}

// buildStratumWork assembles a candidate block from a node-supplied
// template. The coinbase carries a placeholder OP_FALSE payout output and a
// zeroed nonce region; when merge mining is configured a block-final
// transaction is appended as the last transaction.
func buildStratumWork(tpl *GetBlockTemplateResult, withBlockFinal bool) (*StratumWork, error) {
	if tpl.CurTime <= 0 {
		return nil, fmt.Errorf("template curtime invalid: %d", tpl.CurTime)
	}
	prevBytes, err := hex.DecodeString(tpl.Previous)
	if err != nil || len(prevBytes) != 32 {
		return nil, fmt.Errorf("template previousblockhash invalid: %q", tpl.Previous)
	}
	// getblocktemplate reports the previous hash in display order.
	var prevHash chainhash.Hash
	for i := 0; i < 32; i++ {
		prevHash[i] = prevBytes[31-i]
	}
	bits, err := parseHexInt4(tpl.Bits, "bits")
	if err != nil {
		return nil, err
	}

	witnessEnabled := false
	for _, rule := range tpl.Rules {
		if rule == "segwit" || rule == "!segwit" {
			witnessEnabled = true
		}
	}

	height := tpl.Height
	placeholder := make([]byte, extranonce1Size+extranonce2Size)
	scriptSig, err := heightNonceScript(height, placeholder)
	if err != nil {
		return nil, fmt.Errorf("coinbase scriptSig: %w", err)
	}

	cb := wire.NewMsgTx(1)
	cb.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  scriptSig,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	cb.AddTxOut(&wire.TxOut{Value: tpl.CoinbaseValue, PkScript: opFalseScript})

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   tpl.Version,
			PrevBlock: prevHash,
			Timestamp: time.Unix(tpl.CurTime, 0),
			Bits:      bits,
		},
	}
	block.AddTransaction(cb)
	for i, gtx := range tpl.Transactions {
		raw, err := hex.DecodeString(gtx.Data)
		if err != nil {
			return nil, fmt.Errorf("decode template tx %d: %w", i, err)
		}
		tx := wire.NewMsgTx(1)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("deserialize template tx %d: %w", i, err)
		}
		block.AddTransaction(tx)
	}
	if withBlockFinal {
		block.AddTransaction(buildBlockFinalTx(height))
	}

	if witnessEnabled {
		generateCoinbaseCommitment(block)
	}
	block.Header.MerkleRoot = blockMerkleRoot(blockTxLeaves(block))

	return newStratumWork(prevHash, height, tpl.Mintime, block, witnessEnabled, withBlockFinal), nil
}

// jobID is the hash of the assembled block before any per-miner
// customization.
func (w *StratumWork) jobID() chainhash.Hash {
	return w.block.BlockHash()
}

// updateBlockTime refreshes a header copy's timestamp the way the node's
// UpdateTime does: never before the template's minimum, never backwards.
func (w *StratumWork) updateBlockTime(hdr *wire.BlockHeader) int64 {
	now := time.Now().Unix()
	cur := hdr.Timestamp.Unix()
	next := cur
	if now > next {
		next = now
	}
	if w.minTime > next {
		next = w.minTime
	}
	if next != cur {
		hdr.Timestamp = time.Unix(next, 0)
	}
	return next - cur
}
