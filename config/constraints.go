package config

import "time"

const (
	// Sharding related
	DefaultMinShards     = 1
	DefaultMaxShards     = 32
	DefaultInitialShards = 4
	// A shard is considered fully loaded at this many pending transactions.
	DefaultShardCapacity = 1000

	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.2
	// Consecutive low-load evaluations required before shrinking.
	DefaultLowLoadCycles   = 3
	DefaultRescaleCooldown = 5 * time.Minute
	DefaultDrainTimeout    = 30 * time.Second

	// Consensus related
	DefaultApprovalThreshold  = 2.0 / 3.0
	DefaultClockSkewLimit     = 30 * time.Second
	DefaultValidatorsPerShard = 4

	// Cross-shard commit related
	DefaultPrepareTimeout    = 5 * time.Second
	DefaultCommitTimeout     = 5 * time.Second
	DefaultMaxCommitRetries  = 8
	DefaultCommitBackoffBase = 200 * time.Millisecond
	DefaultRetentionWindow   = 24 * time.Hour
)
