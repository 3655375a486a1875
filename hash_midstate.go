package main

import (
	stdsha "crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"
)

// sha256Midstate returns the SHA-256 internal state after absorbing every
// complete 64-byte block of data, along with the unabsorbed tail and the
// number of bytes that were folded into the state. Downstream verifiers can
// resume the hash from (state, tail) without replaying the prefix.
//
// The state is extracted from the standard library digest's serialized form
// rather than a hand-rolled compression function; the layout is
// "sha\x03" || h0..h7 (big endian) || 64-byte chunk buffer || total length.
func sha256Midstate(data []byte) (state [32]byte, tail []byte, absorbed uint64, err error) {
	d := stdsha.New()
	d.Write(data)
	m, err := d.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return state, nil, 0, fmt.Errorf("marshal sha256 state: %w", err)
	}
	if len(m) != 108 {
		return state, nil, 0, fmt.Errorf("unexpected sha256 state size %d", len(m))
	}
	copy(state[:], m[4:36])
	total := binary.BigEndian.Uint64(m[100:108])
	rem := int(total % 64)
	tail = append([]byte(nil), m[36:36+rem]...)
	absorbed = total - uint64(rem)
	return state, tail, absorbed, nil
}

// fastMerkleHash combines two 32-byte nodes with a single SHA-256
// compression (the midstate of the 64-byte concatenation, no padding
// block). This is the node rule for the merge-mining commitment map.
func fastMerkleHash(left, right [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	state, _, _, err := sha256Midstate(buf[:])
	if err != nil {
		// 64 bytes is always exactly one block; this cannot fail.
		panic(err)
	}
	return state
}
