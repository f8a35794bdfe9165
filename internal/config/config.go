// Package config loads and persists the engine's on-disk configuration:
// a JWCC (JSON-with-comments) file, parsed with hujson so operators can
// annotate settings, and snapshotted back to disk atomically so a crash
// mid-write never corrupts it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config holds every tunable of a ferrokv engine instance.
type Config struct {
	DataDir       string `json:"data_dir"`
	HeapBlockSize int    `json:"heap_block_size"`
	BptreeOrder   int    `json:"bptree_order"`
	LogJSONOutput bool   `json:"log_json_output,omitempty"`
	MetricsAddr   string `json:"metrics_addr,omitempty"`
}

// FileName is the default config file name looked for in a data
// directory.
const FileName = "ferrokv.jwcc"

// Default returns the engine's out-of-the-box configuration.
func Default() Config {
	return Config{
		DataDir:       "ferrokv-data",
		HeapBlockSize: 4096,
		BptreeOrder:   64,
	}
}

// Load reads and parses the JWCC config file at path, returning the
// default configuration unchanged if the file doesn't exist yet.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as pretty-printed JSON, via an atomic
// rename so a reader never observes a partially written file.
func Save(path string, cfg Config) error {
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(string(body))); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
