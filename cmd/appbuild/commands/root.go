// Package commands holds the appbuild CLI.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/appbuild-orchestrator/internal/app"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "appbuild",
	Short: "Mobile app build orchestrator",
	Long: `appbuild claims queued mobile build jobs, dispatches them to GitHub Actions
and tracks each run until it completes, fails, times out or is cancelled.

Configuration is read from an optional YAML file and APPBUILD_* environment
variables (APPBUILD_GITHUB_TOKEN, APPBUILD_DB_DSN, ...).

Examples:
  appbuild serve                    # HTTP API + orchestrator loops
  appbuild worker                   # orchestrator loops only
  appbuild migrate                  # create/upgrade tables
  appbuild jobs get build_123       # show one build as YAML
  appbuild jobs list --app app_1    # recent builds for an app`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (default $APPBUILD_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(jobsCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func newApp(opts app.Options) (*app.App, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, opts)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
