// Package commands implements the dms-server cobra command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via -ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "dms-server",
	Short: "Dynamic Mount Service node daemon",
	Long: `dms-server is the per-node mount execution engine (spec §4.4, §4.5).

It consumes mount/unmount RPCs from its node-scoped broker queue, drives
the NFS mount helper and S3 FUSE helper processes, and optionally exposes
the admin HTTP API used by dmsctl and dashboards.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dms/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the config file path from the global --config flag.
func GetConfigFile() string {
	return cfgFile
}
