package main

import "time"

const (
	maxStratumMessageSize = 64 * 1024
	stratumWriteTimeout   = 60 * time.Second

	// Version-rolling bits a miner may ever mutate (BIP320 range).
	versionRollingAllowedMask = uint32(0x1fffe000)

	// Work template cache bounds. Evicted templates can no longer have
	// shares submitted against them.
	maxWorkTemplates   = 30
	workTemplateMaxAge = 900 // seconds

	// Per-session merge-mining bundle bounds, same shape as the template
	// cache but keyed on creation time in milliseconds.
	maxMergeMineBundles   = 30
	mergeMineBundleMaxAge = 900 * 1000 // milliseconds

	// Minimum seconds between mempool-triggered template rebuilds.
	templateMempoolRebuildInterval = 5

	// The watcher's timed wait on the tip-change signal.
	blockWatcherInterval = 15 * time.Second

	// Floor applied to every difficulty delivered to a miner.
	minimumShareDifficulty = 0.001

	extranonce1Size = 8
	extranonce2Size = 4

	// Placeholder difficulty sent in the subscribe response. Some mining
	// proxies reject connections whose first difficulty is not plausible;
	// the serialized-float form is a protocol fossil they expect.
	subscribeDifficultyPlaceholder = "1e+06"

	// Subscription id sent in the subscribe response. Session resumption is
	// not supported, so the value is a constant.
	subscriptionIDPlaceholder = "ae6812eb4cd7735a302a8a9dd95cf71f"
)

// blockFinalCommitmentID tags the merge-mining commitment at the tail of
// the block-final transaction. The last 40 serialized bytes of that
// transaction are root || id || lock_time.
var blockFinalCommitmentID = [4]byte{0x4b, 0x4a, 0x49, 0x48}
