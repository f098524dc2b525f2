package main

import (
	"fmt"

	"github.com/INLOpen/nexushistory/config"
	"github.com/spf13/cobra"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var rootCmd = &cobra.Command{
	Use:           "nexushistory",
	Short:         "Distributed archive of device property history",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "nexushistory", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the file named by --config. A missing file yields the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	return cfg, nil
}
