package main

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hexInt4 renders a uint32 as 4 bytes of big-endian hex, the encoding
// stratum uses for nVersion, nBits, nTime and nNonce fields.
func hexInt4(v uint32) string {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	return hex.EncodeToString(buf[:])
}

func parseHexInt4(s, name string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, errInvalidParameter("%s must be hexadecimal: %v", name, err)
	}
	if len(b) != 4 {
		return 0, errInvalidParameter("%s must be exactly 4 bytes / 8 hex", name)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// parseUInt256 decodes 64 hex characters into a hash in memory order. The
// wire representation of job ids, merge-mining roots and chain ids is the
// plain byte order of the hash, not the reversed display order.
func parseUInt256(s, name string) (chainhash.Hash, error) {
	var h chainhash.Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errInvalidParameter("%s must be hexadecimal: %v", name, err)
	}
	if len(b) != 32 {
		return h, errInvalidParameter("%s must be exactly 32 bytes / 64 hex", name)
	}
	copy(h[:], b)
	return h, nil
}

func hashHex(h chainhash.Hash) string {
	return hex.EncodeToString(h[:])
}

// swapHashWords byte-swaps each 32-bit word of a hash. Stratum historically
// transmits hashPrevBlock in this mangled order.
func swapHashWords(h chainhash.Hash) chainhash.Hash {
	var out chainhash.Hash
	for i := 0; i < 32; i += 4 {
		out[i] = h[i+3]
		out[i+1] = h[i+2]
		out[i+2] = h[i+1]
		out[i+3] = h[i]
	}
	return out
}

func parseHexBytes(s, name string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errInvalidParameter("%s must be hexadecimal: %v", name, err)
	}
	return b, nil
}
