package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// Configure applies config to logger. Must be called once at startup, before any goroutines log.
func Configure(logger *logrus.Logger, out io.Writer, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	level, _ := ParseLevel(config.Level)
	logger.SetLevel(level)
	logger.SetOutput(out)
	if strings.ToLower(config.Format) == FormatJson {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}
	if config.PrometheusHook {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return err
		}
		logger.AddHook(hook)
	}
	return nil
}

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
