package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/G-Research/historian/internal/common/config"
	"github.com/G-Research/historian/internal/common/logging"
)

const envPrefix = "HISTORIAN"

// LoadConfig reads config.yaml from defaultPath, merges every file in overrideConfigs on top, applies HISTORIAN_
// environment overrides (HISTORIAN_QUEUE_DIR overrides queue.dir) and unmarshals the result into config, which
// is then validated. Flags in flags that were set on the command line take precedence over everything else;
// flags may be nil.
func LoadConfig(config commonconfig.Config, defaultPath string, overrideConfigs []string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config path=%s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithMessage(err, "error unmarshalling config")
	}
	if err := config.Validate(); err != nil {
		return nil, commonconfig.FormatValidationErrors(err)
	}
	return v, nil
}

// ConfigureLogging sets up the standard logger. It is called once with defaults before the configuration is
// loaded, and again with the configured values afterwards.
func ConfigureLogging(config logging.Config) error {
	if config.Format == "" {
		config.Format = logging.FormatText
	}
	return logging.Configure(log.StandardLogger(), os.Stdout, config)
}
