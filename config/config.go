package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries the tunables for a node. Zero values are filled in from
// the defaults in constraints.go by Normalize.
type Config struct {
	DataDir string `json:"DATA_DIR"`

	MinShards          int           `json:"MIN_SHARDS"`
	MaxShards          int           `json:"MAX_SHARDS"`
	InitialShards      int           `json:"INITIAL_SHARDS"`
	ShardCapacity      int           `json:"SHARD_CAPACITY"`
	ScaleUpThreshold   float64       `json:"SCALE_UP_THRESHOLD"`
	ScaleDownThreshold float64       `json:"SCALE_DOWN_THRESHOLD"`
	LowLoadCycles      int           `json:"LOW_LOAD_CYCLES"`
	RescaleCooldown    time.Duration `json:"RESCALE_COOLDOWN"`
	DrainTimeout       time.Duration `json:"DRAIN_TIMEOUT"`

	ApprovalThreshold  float64       `json:"APPROVAL_THRESHOLD"`
	ClockSkewLimit     time.Duration `json:"CLOCK_SKEW_LIMIT"`
	ValidatorsPerShard int           `json:"VALIDATORS_PER_SHARD"`

	PrepareTimeout    time.Duration `json:"PREPARE_TIMEOUT"`
	CommitTimeout     time.Duration `json:"COMMIT_TIMEOUT"`
	MaxCommitRetries  int           `json:"MAX_COMMIT_RETRIES"`
	CommitBackoffBase time.Duration `json:"COMMIT_BACKOFF_BASE"`
	RetentionWindow   time.Duration `json:"RETENTION_WINDOW"`

	OpsListenAddr string `json:"OPS_LISTEN_ADDR"`
}

// DefaultConfig returns a config populated entirely from defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// LoadConfig reads a JSON config file, fills defaults and validates.
func LoadConfig(configPath string) (*Config, error) {
	configFile, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	var config Config
	if err := json.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, err
	}
	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromEnv overrides fields from environment variables where set. Callers
// typically load a .env file first (see cmd/flowledgerd).
func (c *Config) FromEnv() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("OPS_LISTEN_ADDR"); v != "" {
		c.OpsListenAddr = v
	}
	if v, err := strconv.Atoi(os.Getenv("MIN_SHARDS")); err == nil {
		c.MinShards = v
	}
	if v, err := strconv.Atoi(os.Getenv("MAX_SHARDS")); err == nil {
		c.MaxShards = v
	}
	if v, err := strconv.Atoi(os.Getenv("INITIAL_SHARDS")); err == nil {
		c.InitialShards = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("APPROVAL_THRESHOLD"), 64); err == nil {
		c.ApprovalThreshold = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("SCALE_UP_THRESHOLD"), 64); err == nil {
		c.ScaleUpThreshold = v
	}
	if v, err := time.ParseDuration(os.Getenv("PREPARE_TIMEOUT")); err == nil {
		c.PrepareTimeout = v
	}
	if v, err := time.ParseDuration(os.Getenv("COMMIT_TIMEOUT")); err == nil {
		c.CommitTimeout = v
	}
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.MinShards == 0 {
		c.MinShards = DefaultMinShards
	}
	if c.MaxShards == 0 {
		c.MaxShards = DefaultMaxShards
	}
	if c.InitialShards == 0 {
		c.InitialShards = DefaultInitialShards
	}
	if c.ShardCapacity == 0 {
		c.ShardCapacity = DefaultShardCapacity
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = DefaultScaleDownThreshold
	}
	if c.LowLoadCycles == 0 {
		c.LowLoadCycles = DefaultLowLoadCycles
	}
	if c.RescaleCooldown == 0 {
		c.RescaleCooldown = DefaultRescaleCooldown
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ApprovalThreshold == 0 {
		c.ApprovalThreshold = DefaultApprovalThreshold
	}
	if c.ClockSkewLimit == 0 {
		c.ClockSkewLimit = DefaultClockSkewLimit
	}
	if c.ValidatorsPerShard == 0 {
		c.ValidatorsPerShard = DefaultValidatorsPerShard
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.MaxCommitRetries == 0 {
		c.MaxCommitRetries = DefaultMaxCommitRetries
	}
	if c.CommitBackoffBase == 0 {
		c.CommitBackoffBase = DefaultCommitBackoffBase
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
}

// Validate rejects configurations that would violate protocol invariants.
func (c *Config) Validate() error {
	if c.MinShards < 1 {
		return fmt.Errorf("MIN_SHARDS must be at least 1, got %d", c.MinShards)
	}
	if c.MaxShards < c.MinShards {
		return fmt.Errorf("MAX_SHARDS (%d) must be >= MIN_SHARDS (%d)", c.MaxShards, c.MinShards)
	}
	if c.InitialShards < c.MinShards || c.InitialShards > c.MaxShards {
		return fmt.Errorf("INITIAL_SHARDS (%d) must be within [%d, %d]", c.InitialShards, c.MinShards, c.MaxShards)
	}
	if c.ApprovalThreshold <= 0.5 || c.ApprovalThreshold > 1 {
		return fmt.Errorf("APPROVAL_THRESHOLD must be in (0.5, 1], got %f", c.ApprovalThreshold)
	}
	if c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("SCALE_DOWN_THRESHOLD (%f) must be below SCALE_UP_THRESHOLD (%f)",
			c.ScaleDownThreshold, c.ScaleUpThreshold)
	}
	return nil
}
