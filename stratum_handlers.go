package main

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// handleSubscribe records the optional client identifier and replies with
// the canned subscription tuple. Reconnect via the subscription id is not
// supported; the id is a constant placeholder.
func (s *stratumServer) handleSubscribe(client *StratumClient, params []any) (any, error) {
	if len(params) >= 1 {
		name, ok := params[0].(string)
		if !ok {
			return nil, errInvalidParameter("client identifier must be a string")
		}
		client.clientName = name
		logger.Debug("received subscription from client", "client", name, "peer", client.peer)
	}
	// params[1] would be the subscription id for reconnect.

	// The difficulty entry is a serialized float for the benefit of mining
	// proxies that reject an implausible first difficulty; real values
	// follow with the first work delivery.
	subscriptions := []any{
		[]any{"mining.set_difficulty", subscribeDifficultyPlaceholder},
		[]any{"mining.notify", subscriptionIDPlaceholder},
	}
	return []any{
		subscriptions,
		hex.EncodeToString(client.extraNonce1(chainhash.Hash{})),
		extranonce2Size,
	}, nil
}

// handleAuthorize parses the username as a payout address with an optional
// "+mindiff" suffix, and the password as a comma-separated list of
// merge-mining options.
func (s *stratumServer) handleAuthorize(client *StratumClient, params []any) (any, error) {
	username, ok := params[0].(string)
	if !ok {
		return nil, errInvalidParameter("username must be a string")
	}
	username = strings.TrimSpace(username)

	// No user authorization is performed; the password field instead
	// carries merge-mining parameters.
	password := ""
	if len(params) > 1 {
		if p, ok := params[1].(string); ok {
			password = strings.TrimSpace(p)
		}
	}

	mmauth := s.parseMergeMineOptions(password)

	mindiff := 0.0
	if pos := strings.IndexByte(username, '+'); pos >= 0 {
		suffix := strings.TrimSpace(username[pos+1:])
		diff, err := strconv.ParseFloat(suffix, 64)
		if err != nil {
			return nil, errInvalidParameter("invalid minimum difficulty suffix %q", suffix)
		}
		mindiff = diff
		username = strings.TrimSpace(username[:pos])
	}

	script, addr, err := scriptForAddress(username, s.chainParams)
	if err != nil {
		return nil, errInvalidParameter("Invalid address: %s", username)
	}

	client.addr = addr
	client.payoutScript = script
	client.mmauth = mmauth
	for chainID, auth := range client.mmauth {
		s.mergeMine.RegisterMergeMineClient(chainID, auth.username, auth.password)
	}
	client.mindiff = mindiff
	client.authorized = true
	client.sendWork = true
	s.metrics.RecordAuthorize()

	logger.Info("authorized stratum miner", "miner", addr.String(), "peer", client.peer, "mindiff", mindiff)
	return true, nil
}

// parseMergeMineOptions interprets the authorize password: each
// comma-separated token is either "name=user[:pass]" / "chainid=user[:pass]"
// registering an auxiliary chain, or a bare aux chain address selecting the
// default aux-pow path. Unknown tokens are logged and skipped.
func (s *stratumServer) parseMergeMineOptions(password string) map[chainhash.Hash]mmAuth {
	mmauth := make(map[chainhash.Hash]mmAuth)
	for _, raw := range strings.Split(password, ",") {
		opt := strings.TrimSpace(raw)
		if opt == "" {
			continue
		}
		if pos := strings.IndexByte(opt, '='); pos >= 0 {
			key := strings.TrimSpace(opt[:pos])
			value := strings.TrimSpace(opt[pos+1:])
			user := value
			pass := ""
			if cpos := strings.IndexByte(value, ':'); cpos >= 0 {
				user = value[:cpos]
				pass = value[cpos+1:]
			}
			chainID, known := s.mergeMine.ChainIDForName(key)
			if !known {
				parsed, err := parseUInt256(key, "chainid")
				if err != nil {
					logger.Debug("skipping unrecognized stratum password keyword option", "option", opt)
					continue
				}
				// A mostly-zero value was almost certainly not a
				// hex-encoded aux-pow path.
				allZero := true
				for _, b := range parsed[8:] {
					if b != 0 {
						allZero = false
						break
					}
				}
				if allZero {
					logger.Debug("skipping unrecognized stratum password keyword option", "option", opt)
					continue
				}
				chainID = parsed
			}
			if _, dup := mmauth[chainID]; dup {
				logger.Debug("duplicate merge-mine chain; skipping", "chain", hashHex(chainID))
				continue
			}
			logger.Debug("merge-mine chain registered", "chain", hashHex(chainID), "username", user)
			mmauth[chainID] = mmAuth{username: user, password: pass}
			continue
		}

		// A bare address selects the default aux-pow path chain.
		if _, _, err := scriptForAddress(opt, s.chainParams); err == nil {
			chainID, have := s.mergeMine.DefaultChainID()
			if !have {
				logger.Debug("no default aux-pow path configured; skipping address option", "option", opt)
				continue
			}
			if _, dup := mmauth[chainID]; dup {
				logger.Debug("duplicate merge-mine chain (default); skipping", "chain", hashHex(chainID))
				continue
			}
			logger.Debug("merge-mine default chain registered", "chain", hashHex(chainID), "username", opt)
			mmauth[chainID] = mmAuth{username: opt, password: "x"}
			continue
		}

		logger.Debug("skipping unrecognized stratum password option", "option", opt)
	}
	return mmauth
}

// handleConfigure negotiates stratum extensions. Only version-rolling is
// recognized; requested mask bits outside the allowed range are masked off.
func (s *stratumServer) handleConfigure(client *StratumClient, params []any) (any, error) {
	extensions, ok := params[0].([]any)
	if !ok {
		return nil, errInvalidParameter("mining.configure extensions must be an array")
	}
	options, ok := params[1].(map[string]any)
	if !ok {
		return nil, errInvalidParameter("mining.configure options must be an object")
	}

	result := make(map[string]any)
	for _, item := range extensions {
		name, ok := item.(string)
		if !ok {
			return nil, errInvalidParameter("extension name must be a string")
		}
		switch name {
		case "version-rolling":
			maskRaw, ok := options["version-rolling.mask"].(string)
			if !ok {
				return nil, errInvalidParameter("version-rolling.mask must be a hex string")
			}
			mask, err := parseHexInt4(maskRaw, "version-rolling.mask")
			if err != nil {
				return nil, err
			}
			if _, ok := options["version-rolling.min-bit-count"]; !ok {
				return nil, errInvalidParameter("version-rolling.min-bit-count is required")
			}
			client.versionRollingMask = mask & versionRollingAllowedMask
			result["version-rolling"] = true
			result["version-rolling.mask"] = hexInt4(client.versionRollingMask)
			logger.Debug("received version rolling request", "peer", client.peer, "mask", hexInt4(client.versionRollingMask))
		default:
			logger.Debug("unrecognized stratum extension", "extension", name, "peer", client.peer)
		}
	}
	return result, nil
}

func (s *stratumServer) handleExtranonceSubscribe(client *StratumClient, params []any) (any, error) {
	client.supportsExtranonce = true
	return true, nil
}

// handleSubmit is the share entry point: second-stage job ids carry a ":"
// prefix, primary job ids are the template hash optionally paired with the
// merge-mining root that was active when the work was delivered.
func (s *stratumServer) handleSubmit(client *StratumClient, params []any) (any, error) {
	// First parameter is the client username, which is ignored.
	id, ok := params[1].(string)
	if !ok || id == "" {
		return nil, errInvalidParameter("job_id must be a string")
	}

	en2Hex, ok := params[2].(string)
	if !ok {
		return nil, errInvalidParameter("extranonce2 must be a hex string")
	}
	extranonce2, err := parseHexBytes(en2Hex, "extranonce2")
	if err != nil {
		return nil, err
	}
	if len(extranonce2) != extranonce2Size {
		return nil, errInvalidParameter("extranonce2 is wrong length (received %d bytes; expected %d bytes)", len(extranonce2), extranonce2Size)
	}

	ntimeHex, ok := params[3].(string)
	if !ok {
		return nil, errInvalidParameter("nTime must be a hex string")
	}
	nTime, err := parseHexInt4(ntimeHex, "nTime")
	if err != nil {
		return nil, err
	}
	nonceHex, ok := params[4].(string)
	if !ok {
		return nil, errInvalidParameter("nNonce must be a hex string")
	}
	nNonce, err := parseHexInt4(nonceHex, "nNonce")
	if err != nil {
		return nil, err
	}

	versionBits := uint32(0)
	haveVersionBits := false
	if len(params) > 5 {
		verHex, ok := params[5].(string)
		if !ok {
			return nil, errInvalidParameter("nVersion must be a hex string")
		}
		versionBits, err = parseHexInt4(verHex, "nVersion")
		if err != nil {
			return nil, err
		}
		haveVersionBits = true
	}

	if strings.HasPrefix(id, ":") {
		// Second stage work unit.
		upstreamID := id[1:]
		entry, ok := s.secondStages[upstreamID]
		if !ok {
			logger.Info("received completed share for unknown second stage work", "job", id)
			client.sendWork = true
			return false, nil
		}
		nVersion := entry.work.Version
		if haveVersionBits {
			nVersion = (nVersion &^ client.versionRollingMask) | (versionBits & client.versionRollingMask)
		}
		work := entry.work
		s.submitSecondStage(client, entry.chainID, &work, extranonce2, nTime, nNonce, nVersion)
		return true, nil
	}

	jobField := id
	var mmroot chainhash.Hash
	haveRoot := false
	if pos := strings.IndexByte(id, ':'); pos >= 0 {
		root, err := parseUInt256(id[pos+1:], "mmroot")
		if err != nil {
			return nil, err
		}
		mmroot = root
		haveRoot = true
		jobField = id[:pos]
	}
	jobID, err := parseUInt256(jobField, "job_id")
	if err != nil {
		return nil, err
	}

	work, ok := s.workTemplates[jobID]
	if !ok {
		logger.Info("received completed share for unknown job_id", "job", hashHex(jobID))
		client.sendWork = true
		return false, nil
	}

	nVersion := uint32(work.block.Header.Version)
	if haveVersionBits {
		nVersion = (nVersion &^ client.versionRollingMask) | (versionBits & client.versionRollingMask)
	}

	if _, err := s.submitBlockShare(client, jobID, mmroot, haveRoot, work, extranonce2, nTime, nNonce, nVersion); err != nil {
		return nil, err
	}
	return true, nil
}
