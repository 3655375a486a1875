package main

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/remeh/sizedwaitgroup"
)

// refreshNodeView polls the node for the facts the work path needs: the
// tip, peer count, sync state and mempool size. Failures leave the previous
// view in place.
func (s *stratumServer) refreshNodeView() {
	if s.rpc == nil {
		return
	}
	view := nodeView{}

	var tipHex string
	if err := s.rpc.call("getbestblockhash", nil, &tipHex); err == nil {
		if tip, err := chainhash.NewHashFromStr(tipHex); err == nil {
			view.tip = *tip
			view.haveTip = true
		}
	} else {
		logger.Debug("getbestblockhash failed", "error", err)
		return
	}

	var peers int
	if err := s.rpc.call("getconnectioncount", nil, &peers); err == nil {
		view.peerCount = peers
	}

	var chainInfo struct {
		InitialBlockDownload bool `json:"initialblockdownload"`
	}
	if err := s.rpc.call("getblockchaininfo", nil, &chainInfo); err == nil {
		view.initialSync = chainInfo.InitialBlockDownload
	}

	var mempoolInfo struct {
		Size uint64 `json:"size"`
	}
	if err := s.rpc.call("getmempoolinfo", nil, &mempoolInfo); err == nil {
		view.mempoolTxns = mempoolInfo.Size
	}

	s.cs.Lock()
	s.node = view
	s.cs.Unlock()
}

// blockWatcher is the single task that reacts to tip changes, mempool
// refresh and merge-mining commitment changes, pushing updated work to
// every authorized session. It waits at most blockWatcherInterval between
// passes; tip notifications wake it early.
func (s *stratumServer) blockWatcher() {
	defer s.wg.Done()

	txnsUpdatedLast := uint64(0)
	for {
		woke := false
		select {
		case <-s.tipCh:
			woke = true
		case <-time.After(blockWatcherInterval):
		}

		// Attempt to re-establish any connections that have been dropped.
		s.mergeMine.ReconnectToMergeMineEndpoints()
		s.refreshNodeView()

		if !woke {
			// Timeout: only proceed if the mempool moved since last pass.
			s.cs.Lock()
			txns := s.node.mempoolTxns
			down := s.shutdown
			s.cs.Unlock()
			if down {
				return
			}
			if txns == txnsUpdatedLast {
				continue
			}
			txnsUpdatedLast = txns
		}

		type delivery struct {
			client *StratumClient
			data   []byte
		}
		var deliveries []delivery

		s.cs.Lock()
		if s.shutdown {
			s.cs.Unlock()
			return
		}
		// Either new block, updated transactions, or updated merge-mining
		// commitments. Send updated work to miners that need it.
		for client := range s.subscriptions {
			if !client.authorized {
				continue
			}
			// Skip clients already working on the current second stage.
			var hint *chainhash.Hash
			if client.lastSecondStage != nil {
				hint = &client.lastSecondStage.chainID
			}
			ssChain, ssw := s.mergeMine.GetSecondStageWork(hint)
			if ssw != nil && client.lastSecondStage != nil &&
				client.lastSecondStage.chainID == ssChain &&
				client.lastSecondStage.prevHash == ssw.HashPrevBlock {
				continue
			}
			// Skip clients already working on the new block; typically the
			// miner that found it, who was sent an update immediately.
			if ssw == nil {
				mmwork := s.mergeMine.GetMergeMineWork(client.mmauth)
				mmroot, err := auxWorkMerkleRoot(mmwork)
				if err == nil {
					_, haveBundle := client.mmwork[mmroot]
					if client.haveLastTip && s.node.haveTip && client.lastTip == s.node.tip && haveBundle {
						continue
					}
				}
			}
			data, err := s.getWorkUnitLocked(client)
			if err != nil {
				frame, merr := marshalFrame(errorReply(err, nil))
				if merr != nil {
					continue
				}
				data = frame
			}
			deliveries = append(deliveries, delivery{client: client, data: data})
		}
		s.cs.Unlock()

		if len(deliveries) == 0 {
			continue
		}
		swg := sizedwaitgroup.New(8)
		for _, d := range deliveries {
			swg.Add()
			go func(d delivery) {
				defer swg.Done()
				if err := d.client.writeBytes(d.data); err != nil {
					logger.Debug("sending stratum work unit failed", "peer", d.client.peer, "error", err)
				}
			}(d)
		}
		swg.Wait()
	}
}
