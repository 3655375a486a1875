package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// scriptForAddress validates a chain address for the given network and
// returns its scriptPubKey together with the decoded address. Base58
// (P2PKH/P2SH) and bech32/bech32m segwit destinations are accepted.
func scriptForAddress(addr string, params *chaincfg.Params) ([]byte, btcutil.Address, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, nil, errors.New("empty address")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, nil, fmt.Errorf("decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, nil, fmt.Errorf("address %s is not valid for %s", addr, params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, nil, fmt.Errorf("pay to addr script: %w", err)
	}
	return script, decoded, nil
}
