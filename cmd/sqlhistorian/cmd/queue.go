package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/historian/internal/historianctl"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspects the durable queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Prints a summary of the durable queue; the agent must be stopped",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				config, err := loadOperatorConfig(cmd)
				if err != nil {
					return err
				}
				return historianctl.New().QueueStatus(config.QueueOptions())
			},
		},
		&cobra.Command{
			Use:   "quarantine",
			Short: "Lists records the database permanently rejected",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				config, err := loadOperatorConfig(cmd)
				if err != nil {
					return err
				}
				return historianctl.New().Quarantine(config.Queue.Dir)
			},
		},
	)
	return cmd
}
