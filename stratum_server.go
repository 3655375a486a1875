package main

import (
	"net"
	"net/netip"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// nodeView caches the node-health facts getWorkUnit consults. It is
// refreshed by the block watcher so the work path does not issue extra RPCs
// while holding the server lock.
type nodeView struct {
	tip         chainhash.Hash
	haveTip     bool
	peerCount   int
	initialSync bool
	mempoolTxns uint64
}

type stratumServer struct {
	// cs guards every field below it, every session's state, the template
	// cache, the second-stage map and the listener table. One coarse lock
	// is enough at human-scale connection counts.
	cs sync.Mutex

	cfg         Config
	chainParams *chaincfg.Params
	rpc         *RPCClient
	mergeMine   mergeMineClient
	metrics     *PoolMetrics
	audit       *auditStore
	notifier    *discordNotifier

	allowSubnets []netip.Prefix

	boundListeners map[net.Listener]string
	subscriptions  map[*StratumClient]struct{}

	workTemplates map[chainhash.Hash]*StratumWork
	secondStages  map[string]secondStageEntry

	curJobID      chainhash.Hash
	haveCurJob    bool
	curTip        chainhash.Hash
	haveTip       bool
	txUpdatedLast uint64
	lastRebuild   int64

	node nodeView

	dispatch map[string]stratumMethod

	tipCh    chan chainhash.Hash
	shutdown bool
	wg       sync.WaitGroup
}

type secondStageEntry struct {
	chainID chainhash.Hash
	work    SecondStageWork
}

func newStratumServer(cfg Config, params *chaincfg.Params, rpc *RPCClient, mm mergeMineClient) *stratumServer {
	s := &stratumServer{
		cfg:            cfg,
		chainParams:    params,
		rpc:            rpc,
		mergeMine:      mm,
		metrics:        newPoolMetrics(),
		boundListeners: make(map[net.Listener]string),
		subscriptions:  make(map[*StratumClient]struct{}),
		workTemplates:  make(map[chainhash.Hash]*StratumWork),
		secondStages:   make(map[string]secondStageEntry),
		tipCh:          make(chan chainhash.Hash, 8),
	}
	s.dispatch = buildDispatchTable(s)
	return s
}

// initStratumServer parses the allow-list, binds the configured endpoints
// and starts the block watcher. It mirrors the node-embedded lifecycle:
// explicit init, interrupt, stop.
func (s *stratumServer) initStratumServer() error {
	subnets, err := parseAllowSubnets(s.cfg.StratumAllowIPs)
	if err != nil {
		return err
	}
	s.cs.Lock()
	s.allowSubnets = subnets
	s.cs.Unlock()

	if len(subnets) > 0 {
		allowed := ""
		for _, subnet := range subnets {
			allowed += subnet.String() + " "
		}
		logger.Info("allowing stratum connections from", "subnets", allowed)
	}

	if err := s.bindListeners(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.blockWatcher()
	logger.Info("initialized stratum server")
	return nil
}

// interruptStratumServer stops accepting connections and tells the watcher
// to exit on its next pass.
func (s *stratumServer) interruptStratumServer() {
	s.cs.Lock()
	defer s.cs.Unlock()
	for ln, addr := range s.boundListeners {
		logger.Info("interrupting stratum service", "addr", addr)
		_ = ln.Close()
	}
	s.shutdown = true
	// Nudge the watcher so it observes the flag without waiting out its
	// timed wait.
	select {
	case s.tipCh <- chainhash.Hash{}:
	default:
	}
}

// stopStratumServer tears down every connection, unbinds listeners and
// clears the template cache.
func (s *stratumServer) stopStratumServer() {
	s.cs.Lock()
	for client := range s.subscriptions {
		logger.Info("closing stratum connection due to process termination", "peer", client.peer)
		client.closeConn()
	}
	s.subscriptions = make(map[*StratumClient]struct{})
	for ln, addr := range s.boundListeners {
		logger.Info("removing stratum server binding", "addr", addr)
		_ = ln.Close()
	}
	s.boundListeners = make(map[net.Listener]string)
	s.workTemplates = make(map[chainhash.Hash]*StratumWork)
	s.cs.Unlock()

	s.wg.Wait()
}

// notifyTip feeds the watcher's timed wait; drops are fine because the
// watcher re-reads the tip from the node view on every wake.
func (s *stratumServer) notifyTip(tip chainhash.Hash) {
	select {
	case s.tipCh <- tip:
	default:
	}
}

func parseAllowSubnets(specs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(specs))
	for _, raw := range specs {
		if raw == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, prefix)
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, errStratum(rpcInvalidParameter, "invalid -stratumallowip subnet %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// clientAllowed applies the subnet allow-list; an empty list admits only
// loopback peers.
func clientAllowed(subnets []netip.Prefix, remote net.Addr) bool {
	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return false
	}
	addr := ap.Addr().Unmap()
	if len(subnets) == 0 {
		return addr.IsLoopback()
	}
	for _, subnet := range subnets {
		if subnet.Contains(addr) {
			return true
		}
	}
	return false
}
