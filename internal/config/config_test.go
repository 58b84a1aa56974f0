package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mondoshawan/mondo-core/internal/chain"
)

func TestDefaultConfigStreamParamsConvert(t *testing.T) {
	cfg := DefaultConfig()
	params, err := cfg.StreamParams()
	if err != nil {
		t.Fatalf("StreamParams: %v", err)
	}
	a, ok := params[chain.StreamA]
	if !ok {
		t.Fatal("missing StreamA params")
	}
	if a.TargetIntervalMillis != 10_000 || a.MaxTxsPerBlock != 10_000 {
		t.Fatalf("StreamA params = %+v, want interval 10000 / max 10000", a)
	}
	want, _ := chain.U128FromString("50000000000000000000")
	if a.BaseReward.Cmp(want) != 0 {
		t.Fatalf("StreamA base reward = %s, want %s", a.BaseReward, want)
	}
	c, ok := params[chain.StreamC]
	if !ok || !c.BaseReward.IsZero() {
		t.Fatal("StreamC base reward must default to zero")
	}
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mondo.toml")
	// Override only K; streams and everything else must retain DefaultConfig's values.
	if err := os.WriteFile(path, []byte("k = 24\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.K != 24 {
		t.Fatalf("K = %d, want 24", cfg.K)
	}
	if cfg.DifficultyAdjustPeriod != DefaultConfig().DifficultyAdjustPeriod {
		t.Fatal("DifficultyAdjustPeriod must retain its default when the file omits it")
	}
	if _, ok := cfg.Streams["A"]; !ok {
		t.Fatal("default stream table must survive a partial TOML override")
	}
}

func TestLoadOverridesStreamTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mondo.toml")
	body := `
k = 18

[streams.A]
target_interval_millis = 5000
max_txs_per_block = 1
base_reward = "7"
algorithm = "ALG_A"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	params, err := cfg.StreamParams()
	if err != nil {
		t.Fatalf("StreamParams: %v", err)
	}
	a := params[chain.StreamA]
	if a.TargetIntervalMillis != 5000 || a.MaxTxsPerBlock != 1 {
		t.Fatalf("overridden StreamA params = %+v", a)
	}
	if a.BaseReward.Cmp(chain.U128FromUint64(7)) != 0 {
		t.Fatalf("overridden base reward = %s, want 7", a.BaseReward)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err == nil {
		t.Fatal("Load on a missing file must error")
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mondo.toml")
	if err := os.WriteFile(path, []byte("k = [this is not valid toml"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load on malformed TOML must error")
	}
}

func TestStreamParamsRejectsMissingStream(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Streams, "C")
	if _, err := cfg.StreamParams(); err == nil {
		t.Fatal("StreamParams must error when a stream is missing from the table")
	}
}

func TestStreamParamsRejectsInvalidBaseReward(t *testing.T) {
	cfg := DefaultConfig()
	a := cfg.Streams["A"]
	a.BaseReward = "not-a-number"
	cfg.Streams["A"] = a
	if _, err := cfg.StreamParams(); err == nil {
		t.Fatal("StreamParams must propagate a malformed base_reward string as an error")
	}
}
