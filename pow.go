package main

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var diff1Target = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	return n
}()

// checkProofOfWork reports whether hash satisfies the compact target. bias
// tightens the target by that many bits, which is how auxiliary chains
// express difficulty in excess of what nBits can encode.
func checkProofOfWork(hash chainhash.Hash, bits uint32, bias uint8) bool {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return false
	}
	if bias > 0 {
		target = new(big.Int).Rsh(target, uint(bias))
		if target.Sign() <= 0 {
			return false
		}
	}
	return blockchain.HashToBig(&hash).Cmp(target) <= 0
}

// difficultyFromBits is the miner-visible difficulty of a compact target,
// relative to difficulty 1.
func difficultyFromBits(bits uint32) float64 {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	num := new(big.Float).SetPrec(256).SetInt(diff1Target)
	den := new(big.Float).SetPrec(256).SetInt(target)
	val, _ := num.Quo(num, den).Float64()
	return val
}

// clampDifficulty applies the session's minimum-difficulty override and the
// global floor. A session that requested a fixed difficulty gets exactly
// that value.
func clampDifficulty(client *StratumClient, diff float64) float64 {
	if client.mindiff > 0 {
		diff = client.mindiff
	}
	if diff < minimumShareDifficulty {
		diff = minimumShareDifficulty
	}
	return diff
}
