// Package commands implements the dmsctl cobra command tree.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via -ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string

	// adminAddr overrides the admin API base URL dmsctl's "mounts"
	// subcommands talk to. Defaults to the config file's admin_api
	// host:port, which only works when dmsctl runs on the same host as
	// dms-server; operators managing a fleet override it per call.
	adminAddr string

	// adminToken is the bearer token dmsctl presents to the admin API,
	// issued out-of-band by the identity service (spec §1's external
	// collaborator) — dmsctl never mints its own tokens.
	adminToken string

	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "dmsctl",
	Short: "Dynamic Mount Service operator CLI",
	Long: `dmsctl inspects and manages the mount ledger: list and retire
bindings via the admin HTTP API, or drive a direct mount/unmount probe
against a node through the same reference-counted coordinator a backup
job would use.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dms/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", "", "admin API base URL, e.g. http://node1:8090 (default: derived from config)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("DMS_TOKEN"), "bearer token for the admin API (default: $DMS_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")

	rootCmd.AddCommand(mountsCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// GetConfigFile returns the config file path from the global --config flag.
func GetConfigFile() string {
	return cfgFile
}
