package cmd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/configuration"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/sqlstore"
	"github.com/G-Research/historian/internal/historianctl"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Lists stored topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pattern, err := cmd.Flags().GetString("pattern")
			if err != nil {
				return errors.WithStack(err)
			}
			return withStore(cmd, func(ctx *agentcontext.Context, _ configuration.Configuration, store sqlstore.Store) error {
				return historianctl.New().Topics(ctx, store, pattern)
			})
		},
	}
	cmd.Flags().String("pattern", "", "Case-insensitive regular expression topics must match")
	cmd.Flags().Duration("timeout", time.Minute, "Duration after which the command fails")
	return cmd
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Prints stored points of one or more topics",
		Args:  cobra.NoArgs,
		RunE:  query,
	}
	cmd.Flags().StringSlice("topic", nil, "Topic to query; repeat for several")
	cmd.Flags().String("start", "", "RFC3339 inclusive start time")
	cmd.Flags().String("end", "", "RFC3339 exclusive end time")
	cmd.Flags().Int("skip", 0, "Number of points skipped per topic")
	cmd.Flags().Int("count", 100, "Maximum number of points per topic; 0 for no limit")
	cmd.Flags().String("order", sqlstore.FirstToLast.String(), "FIRST_TO_LAST or LAST_TO_FIRST")
	cmd.Flags().Duration("timeout", time.Minute, "Duration after which the command fails")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func query(cmd *cobra.Command, _ []string) error {
	req, err := queryRequest(cmd)
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx *agentcontext.Context, _ configuration.Configuration, store sqlstore.Store) error {
		return historianctl.New().Query(ctx, store, req)
	})
}

func queryRequest(cmd *cobra.Command) (sqlstore.QueryRequest, error) {
	var req sqlstore.QueryRequest
	var err error
	if req.Topics, err = cmd.Flags().GetStringSlice("topic"); err != nil {
		return req, errors.WithStack(err)
	}
	if req.Start, err = timeFlag(cmd, "start"); err != nil {
		return req, err
	}
	if req.End, err = timeFlag(cmd, "end"); err != nil {
		return req, err
	}
	if req.Skip, err = cmd.Flags().GetInt("skip"); err != nil {
		return req, errors.WithStack(err)
	}
	if req.Count, err = cmd.Flags().GetInt("count"); err != nil {
		return req, errors.WithStack(err)
	}
	order, err := cmd.Flags().GetString("order")
	if err != nil {
		return req, errors.WithStack(err)
	}
	req.Order, err = sqlstore.ParseOrder(order)
	return req, err
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	value, err := cmd.Flags().GetString(name)
	if err != nil || value == "" {
		return time.Time{}, errors.WithStack(err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid --%s", name)
	}
	return t, nil
}

// withStore opens the configured database for the duration of fn, bounded by the --timeout flag.
func withStore(cmd *cobra.Command, fn func(ctx *agentcontext.Context, config configuration.Configuration, store sqlstore.Store) error) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadOperatorConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := agentcontext.WithTimeout(agentcontext.Background(), timeout)
	defer cancel()

	store, err := openStore(ctx, config)
	if err != nil {
		return err
	}
	defer util.CloseResource("historian database", store)
	return fn(ctx, config, store)
}

func openStore(ctx *agentcontext.Context, config configuration.Configuration) (sqlstore.Store, error) {
	store, err := sqlstore.Open(ctx, config.StoreConfig(), metrics.New(prometheus.NewRegistry()))
	if err != nil {
		return nil, errors.WithMessagef(err, "Failed to connect to %s", config.Database.Connection)
	}
	return store, nil
}
