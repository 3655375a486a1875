package main

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func doubleSHA256(b []byte) [32]byte {
	first := sha256Sum(b)
	return sha256Sum(first[:])
}

func hashNodes(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.Hash(doubleSHA256(buf[:]))
}

// blockMerkleRoot computes the transaction merkle root with the consensus
// rule that an unpaired node at the end of a level is hashed with itself.
func blockMerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
	}
	return level[0]
}

// merkleBranch returns the sibling path authenticating leaves[pos], using
// the consensus duplication rule for odd levels.
func merkleBranch(leaves []chainhash.Hash, pos uint32) []chainhash.Hash {
	var branch []chainhash.Hash
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= uint32(len(level)) {
			sibling = pos
		}
		branch = append(branch, level[sibling])
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
		pos >>= 1
	}
	return branch
}

// merkleRootFromBranch folds a leaf up through its branch. The bit pattern
// of pos selects whether the leaf is the left or right input at each level.
func merkleRootFromBranch(leaf chainhash.Hash, branch []chainhash.Hash, pos uint32) chainhash.Hash {
	hash := leaf
	for _, node := range branch {
		if pos&1 == 1 {
			hash = hashNodes(node, hash)
		} else {
			hash = hashNodes(hash, node)
		}
		pos >>= 1
	}
	return hash
}

// stableMerkleBranch returns the branch for leaves[pos] with no duplicated
// entries: where the consensus tree would hash an unpaired node with
// itself, the branch simply omits that level. Verification is therefore
// well-defined for odd-length levels provided the total leaf count is
// known, which is why AuxProof carries num_txns alongside aux_branch.
func stableMerkleBranch(leaves []chainhash.Hash, pos uint32) ([]chainhash.Hash, chainhash.Hash) {
	var branch []chainhash.Hash
	level := append([]chainhash.Hash(nil), leaves...)
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling < uint32(len(level)) {
			branch = append(branch, level[sibling])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			j := i + 1
			if j == len(level) {
				j = i
			}
			next = append(next, hashNodes(level[i], level[j]))
		}
		level = next
		pos >>= 1
	}
	return branch, level[0]
}

// stableMerkleRootFromBranch reverses stableMerkleBranch. size is the
// number of leaves in the original tree.
func stableMerkleRootFromBranch(leaf chainhash.Hash, branch []chainhash.Hash, pos, size uint32) (chainhash.Hash, error) {
	if size == 0 || pos >= size {
		return chainhash.Hash{}, fmt.Errorf("stable merkle branch: position %d out of range for %d leaves", pos, size)
	}
	hash := leaf
	for size > 1 {
		sibling := pos ^ 1
		if sibling < size {
			if len(branch) == 0 {
				return chainhash.Hash{}, fmt.Errorf("stable merkle branch: too few nodes")
			}
			if pos&1 == 1 {
				hash = hashNodes(branch[0], hash)
			} else {
				hash = hashNodes(hash, branch[0])
			}
			branch = branch[1:]
		} else {
			hash = hashNodes(hash, hash)
		}
		pos >>= 1
		size = (size + 1) / 2
	}
	if len(branch) != 0 {
		return chainhash.Hash{}, fmt.Errorf("stable merkle branch: %d unused nodes", len(branch))
	}
	return hash, nil
}

// merkleMapRootSingle computes the root of a merkle hash map holding a
// single (key -> value) entry. The node rule is one SHA-256 compression
// over value || key, binding both the commitment and the chain id it was
// issued for.
func merkleMapRootSingle(key, value chainhash.Hash) chainhash.Hash {
	return chainhash.Hash(fastMerkleHash([32]byte(value), [32]byte(key)))
}

// blockTxLeaves collects the txids of every transaction in a block.
func blockTxLeaves(block *wire.MsgBlock) []chainhash.Hash {
	leaves := make([]chainhash.Hash, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		leaves = append(leaves, tx.TxHash())
	}
	return leaves
}

// blockMerkleBranch is the coinbase proof: the branch for position 0 over
// the block's transaction list.
func blockMerkleBranch(block *wire.MsgBlock) []chainhash.Hash {
	return merkleBranch(blockTxLeaves(block), 0)
}

// witnessMerkleRoot computes the witness transaction tree root. The
// coinbase leaf is the zero hash per the segwit commitment rules.
func witnessMerkleRoot(block *wire.MsgBlock) chainhash.Hash {
	leaves := make([]chainhash.Hash, 0, len(block.Transactions))
	leaves = append(leaves, chainhash.Hash{})
	for _, tx := range block.Transactions[1:] {
		leaves = append(leaves, tx.WitnessHash())
	}
	return blockMerkleRoot(leaves)
}
