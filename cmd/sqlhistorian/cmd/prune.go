package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/historian/configuration"
	"github.com/G-Research/historian/internal/historian/sqlstore"
	"github.com/G-Research/historian/internal/historianctl"
)

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Removes old data from the database",
		Args:  cobra.NoArgs,
		RunE:  prune,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the command will fail if it has not completed")
	cmd.Flags().Duration(
		"olderThan",
		0,
		"Points older than this are removed; defaults to retention.historyLimit")
	return cmd
}

func prune(cmd *cobra.Command, _ []string) error {
	olderThan, err := cmd.Flags().GetDuration("olderThan")
	if err != nil {
		return errors.WithStack(err)
	}
	return withStore(cmd, func(ctx *agentcontext.Context, config configuration.Configuration, store sqlstore.Store) error {
		if olderThan <= 0 {
			olderThan = config.Retention.HistoryLimit
		}
		if olderThan <= 0 {
			return errors.New("no --olderThan given and retention.historyLimit is not set")
		}
		return historianctl.New().Prune(ctx, store, time.Now().Add(-olderThan))
	})
}
