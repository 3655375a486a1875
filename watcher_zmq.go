package main

import (
	"context"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pebbe/zmq4"
)

const (
	zmqRecreateBackoffMin = time.Second
	zmqRecreateBackoffMax = 30 * time.Second
)

// zmqBlockLoop subscribes to the node's hashblock notifications and feeds
// the block watcher's tip-change signal. The watcher's 15-second timed wait
// covers deployments without -zmqpubhashblock.
func (s *stratumServer) zmqBlockLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.cfg.ZMQBlockAddr == "" {
		return
	}

	backoff := zmqRecreateBackoffMin
	for ctx.Err() == nil {
		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			logger.Warn("zmq socket create failed", "error", err)
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, zmqRecreateBackoffMax)
			continue
		}
		_ = sub.SetLinger(0)
		_ = sub.SetRcvtimeo(time.Second)
		if err := sub.SetSubscribe("hashblock"); err != nil {
			logger.Warn("zmq subscribe failed", "error", err)
			_ = sub.Close()
			if !sleepContext(ctx, backoff) {
				return
			}
			continue
		}
		if err := sub.Connect(s.cfg.ZMQBlockAddr); err != nil {
			logger.Warn("zmq connect failed", "addr", s.cfg.ZMQBlockAddr, "error", err)
			_ = sub.Close()
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, zmqRecreateBackoffMax)
			continue
		}
		logger.Info("zmq block watcher connected", "addr", s.cfg.ZMQBlockAddr)
		backoff = zmqRecreateBackoffMin

		for ctx.Err() == nil {
			parts, err := sub.RecvMessageBytes(0)
			if err != nil {
				eno := zmq4.AsErrno(err)
				if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
					continue
				}
				logger.Warn("zmq receive error", "error", err)
				break
			}
			if len(parts) < 2 || string(parts[0]) != "hashblock" || len(parts[1]) != 32 {
				continue
			}
			var tip chainhash.Hash
			// ZMQ publishes the hash big-endian; flip to memory order.
			for i := 0; i < 32; i++ {
				tip[i] = parts[1][31-i]
			}
			logger.Info("zmq block notification", "block_hash", tip.String())
			s.notifyTip(tip)
		}
		_ = sub.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
