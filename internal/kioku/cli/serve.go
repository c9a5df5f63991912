package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background workers and the health endpoint",
		Long:  "Run Kioku until interrupted. In-flight completions are drained before exit so their turns are committed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := observability.Setup(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			logger.Info("starting kioku",
				"version", version.Version,
				"commit", version.GitCommit,
				"build_time", version.BuildTime,
			)

			a, err := app.New(cfg, app.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("initialise kioku: %w", err)
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
}
