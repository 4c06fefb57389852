package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/appbuild-orchestrator/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the build tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg.DB.AutoMigrate = false
		a, err := app.New(cfg, app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.DB.AutoMigrateAll(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}
