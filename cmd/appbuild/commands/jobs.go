package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/appbuild-orchestrator/internal/app"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/dbctx"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect build jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <build-id>",
	Short: "Show a build job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		view, err := a.Services.Builds.GetStatus(dbctx.Background(cmd.Context()), args[0])
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), view)
	},
}

var (
	jobsListApp   string
	jobsListLimit int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent builds for an app, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobsListApp == "" {
			return fmt.Errorf("--app is required")
		}
		a, err := newApp(app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		views, err := a.Services.Builds.ListHistory(dbctx.Background(cmd.Context()), jobsListApp, jobsListLimit)
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), views)
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListApp, "app", "", "app id")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 0, "max rows (default 10, max 100)")
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsListCmd)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
