package main

import (
	"fmt"

	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/config"
	"github.com/spf13/cobra"
)

var reindexOpts backfill.Request

// reindexCmd is the out-of-process indexer started by the backfill service.
var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Build the index of one property over one raw log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if reindexOpts.Dir == "" || reindexOpts.DeviceID == "" || reindexOpts.Property == "" {
			return fmt.Errorf("--dir, --device and --property are required")
		}
		if reindexOpts.FileIndex < 0 {
			return fmt.Errorf("--file-index must not be negative")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			cfg = config.Default()
		}
		logger, logCloser, err := createLogger(config.LoggingConfig{Level: cfg.Logging.Level, Output: "none"})
		if err != nil {
			return err
		}
		if logCloser != nil {
			defer logCloser.Close()
		}
		n, err := backfill.IndexFile(cmd.Context(), reindexOpts, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entries of %s\n", n, reindexOpts)
		return nil
	},
}

func init() {
	f := reindexCmd.Flags()
	f.StringVar(&reindexOpts.Dir, "dir", "", "Archive directory")
	f.StringVar(&reindexOpts.DeviceID, "device", "", "Device id")
	f.StringVar(&reindexOpts.Property, "property", "", "Property path")
	f.IntVar(&reindexOpts.FileIndex, "file-index", 0, "Raw log file index")
}
