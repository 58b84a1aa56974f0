// Package config holds the core's genesis and tuning parameters, loaded
// from TOML the way tos-network-gtos's build/ config layer does (spec.md
// §2, SPEC_FULL.md §2).
package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"

	"github.com/mondoshawan/mondo-core/internal/chain"
)

// StreamConfig mirrors chain.StreamParams with TOML tags for file loading.
type StreamConfig struct {
	TargetIntervalMillis uint64 `toml:"target_interval_millis"`
	MaxTxsPerBlock       int    `toml:"max_txs_per_block"`
	BaseReward           string `toml:"base_reward"` // decimal string, parsed via chain.U128FromString
	Algorithm            string `toml:"algorithm"`
}

// Config is the full set of tunable protocol parameters.
type Config struct {
	K                       uint32                  `toml:"k"`
	DifficultyAdjustPeriod  uint64                  `toml:"difficulty_adjust_period"`
	MaxOpaqueExtBytes       int                     `toml:"max_opaque_ext_bytes"`
	MempoolCapacity         int                     `toml:"mempool_capacity"`
	NonceWindow             uint64                  `toml:"nonce_window"`
	Streams                 map[string]StreamConfig `toml:"streams"`
}

// DefaultConfig returns the protocol defaults of spec.md §3/§4.
func DefaultConfig() *Config {
	return &Config{
		K:                      18,
		DifficultyAdjustPeriod: 100,
		MaxOpaqueExtBytes:      chain.MaxOpaqueExtBytes,
		MempoolCapacity:        100_000,
		NonceWindow:            1024,
		Streams: map[string]StreamConfig{
			"A": {TargetIntervalMillis: 10_000, MaxTxsPerBlock: 10_000, BaseReward: "50000000000000000000", Algorithm: "ALG_A"},
			"B": {TargetIntervalMillis: 1_000, MaxTxsPerBlock: 5_000, BaseReward: "25000000000000000000", Algorithm: "ALG_B"},
			"C": {TargetIntervalMillis: 100, MaxTxsPerBlock: 1_000, BaseReward: "0", Algorithm: "ALG_C"},
		},
	}
}

// Load reads a TOML config file, filling in any streams or fields the file
// omits from DefaultConfig.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// StreamParams converts the loaded config into the map chain.StreamParams
// callers need, keyed by chain.Stream.
func (c *Config) StreamParams() (map[chain.Stream]chain.StreamParams, error) {
	out := make(map[chain.Stream]chain.StreamParams, 3)
	names := map[string]chain.Stream{"A": chain.StreamA, "B": chain.StreamB, "C": chain.StreamC}
	for name, s := range names {
		sc, ok := c.Streams[name]
		if !ok {
			return nil, fmt.Errorf("config: missing stream %s", name)
		}
		reward, err := chain.U128FromString(sc.BaseReward)
		if err != nil {
			return nil, fmt.Errorf("config: stream %s base_reward: %w", name, err)
		}
		out[s] = chain.StreamParams{
			TargetIntervalMillis: sc.TargetIntervalMillis,
			MaxTxsPerBlock:       sc.MaxTxsPerBlock,
			BaseReward:           reward,
			Algorithm:            chain.AlgorithmTag(sc.Algorithm),
		}
	}
	return out, nil
}
