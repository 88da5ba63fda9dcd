package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/internal/cliutil/output"
	"github.com/dhiraj-trilio/trilio-dms/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize dms-server configuration",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := GetConfigFile()
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if !configInitForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		cfg := config.GetDefaultConfig()
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Configuration file created at: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(GetConfigFile())
		if err != nil {
			return err
		}
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		switch format {
		case output.FormatYAML:
			return output.PrintYAML(os.Stdout, cfg)
		default:
			return output.PrintJSON(os.Stdout, cfg)
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(GetConfigFile())
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Println("Configuration is valid")
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
