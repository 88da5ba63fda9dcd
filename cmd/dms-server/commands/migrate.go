package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending mount ledger schema migrations",
	Long: `Apply every pending SQL migration under internal/ledger/migrations
against the Postgres database named by ledger.url.

This is the production-review path (golang-migrate); dms-server's GORM
store also runs AutoMigrate on startup as a dev-convenience path, and the
two are kept schema-consistent by hand.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ledgerCfg, err := ledger.ParseURL(cfg.Ledger.URL)
	if err != nil {
		return err
	}

	logger.Info("applying ledger migrations", "host", ledgerCfg.Host, "database", ledgerCfg.Database)
	if err := ledger.RunMigrations(ledgerCfg); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Mount ledger migrations applied successfully")
	return nil
}
