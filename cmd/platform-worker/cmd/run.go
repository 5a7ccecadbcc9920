package cmd

import (
	"github.com/spf13/cobra"

	"github.com/psantana5/platform-worker/internal/buildinfo"
	"github.com/psantana5/platform-worker/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the work loop and the liveness server",
	Long: `Starts the liveness server (GET /health), the optional metrics listener
and the work loop. Runs until SIGINT or SIGTERM, then stops every component
within --shutdown-timeout.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	logger.Info(buildinfo.String())

	ctx := cmd.Context()
	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	go sup.Shutdown().Wait(ctx)

	if err := sup.Run(ctx); err != nil {
		logger.Error("Worker exited with error", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}
