package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/G-Research/historian/internal/common"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/sqlhistorian"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sqlhistorian",
		SilenceUsage: true,
		Short:        "Stores bus messages durably in a SQL historian database",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		queueCmd(),
		topicsCmd(),
		queryCmd(),
		pruneCmd(),
	)

	return cmd
}

// loadConfig reads the configuration named by the --config flag on top of the defaults and reconfigures
// logging from it. Flags in overrides take precedence over both.
func loadConfig(cmd *cobra.Command, overrides *pflag.FlagSet) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}
	if _, err := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs, overrides); err != nil {
		return config, err
	}
	if err := common.ConfigureLogging(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}

// loadOperatorConfig is loadConfig for the operator commands, whose log lines are printed bare next to their
// output.
func loadOperatorConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	config, err := loadConfig(cmd, nil)
	if err != nil {
		return config, err
	}
	log.SetFormatter(&logging.CommandLineFormatter{})
	return config, nil
}
