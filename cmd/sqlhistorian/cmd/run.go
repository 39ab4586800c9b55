package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/historian/internal/common/app"
	"github.com/G-Research/historian/internal/historian"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the historian agent",
		RunE:  runHistorian,
	}
	cmd.Flags().Uint16("httpPort", 9000, "Port serving /health and /metrics")
	cmd.Flags().String("queue.dir", "", "Directory of the durable queue")
	return cmd
}

func runHistorian(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd, cmd.LocalFlags())
	if err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown()
	return historian.Run(ctx, config)
}
