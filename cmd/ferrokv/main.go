// Command ferrokv is the operator-facing CLI for the ferrokv storage
// engine: open a data directory, drop into an interactive shell, or run
// a concurrent bulk-insert benchmark against it.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kallevig/ferrokv/internal/config"
	"github.com/kallevig/ferrokv/internal/obslog"
)

var (
	dataDir     string
	logLevel    string
	logJSON     bool
	bptreeOrder int
	heapBlock   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferrokv",
	Short: "ferrokv - an embedded single-node key/value storage engine",
	Long: `ferrokv is an embedded storage engine combining a slotted-page
heap file, a disk-resident B+tree index, and a transactional string-keyed
store with strict two-phase locking and deadlock detection.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: ./ferrokv-data)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs as JSON")
	rootCmd.PersistentFlags().IntVar(&bptreeOrder, "bptree-order", 0, "B+tree order (default: config or 64)")
	rootCmd.PersistentFlags().IntVar(&heapBlock, "heap-block-size", 0, "heap block size in bytes (default: config or 4096)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(benchCmd)
}

func initLogging() {
	obslog.Init(obslog.Config{
		Level:      obslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the engine configuration from the on-disk config
// file (if any) under the resolved data directory, overlaid with any
// flags the operator passed explicitly.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	onDisk, err := config.Load(filepath.Join(cfg.DataDir, config.FileName))
	if err != nil {
		return config.Config{}, err
	}
	cfg = onDisk
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if bptreeOrder > 0 {
		cfg.BptreeOrder = bptreeOrder
	}
	if heapBlock > 0 {
		cfg.HeapBlockSize = heapBlock
	}
	if rootCmd.PersistentFlags().Changed("log-json") {
		cfg.LogJSONOutput = logJSON
	}
	return cfg, nil
}
