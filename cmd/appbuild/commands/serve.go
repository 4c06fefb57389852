package commands

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/appbuild-orchestrator/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the orchestrator loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, app.Options{HTTP: true, Scheduler: true})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the claim/poll loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, app.Options{Scheduler: true})
	},
}

func run(cmd *cobra.Command, opts app.Options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return a.Run(ctx)
}
