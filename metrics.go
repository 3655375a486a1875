package main

import "sync/atomic"

// PoolMetrics is a small set of process-lifetime counters, logged on
// shutdown.
type PoolMetrics struct {
	connections atomic.Uint64
	authorized  atomic.Uint64
	shares      atomic.Uint64
	auxShares   atomic.Uint64
	blocksFound atomic.Uint64
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (m *PoolMetrics) RecordConnection() { m.connections.Add(1) }
func (m *PoolMetrics) RecordAuthorize()  { m.authorized.Add(1) }
func (m *PoolMetrics) RecordShare()      { m.shares.Add(1) }
func (m *PoolMetrics) RecordAuxShare()   { m.auxShares.Add(1) }
func (m *PoolMetrics) RecordBlockFound() { m.blocksFound.Add(1) }

func (m *PoolMetrics) logSummary() {
	logger.Info("stratum server counters",
		"connections", m.connections.Load(),
		"authorized", m.authorized.Load(),
		"shares", m.shares.Load(),
		"aux_shares", m.auxShares.Load(),
		"blocks_found", m.blocksFound.Load(),
	)
}
