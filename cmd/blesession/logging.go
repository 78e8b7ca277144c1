package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/config"
)

// loadConfig reads --config, if given, on top of the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// configureLogger creates a logger for cfg, honoring --log-level and --verbose.
// --log-level takes precedence. Without either flag the CLI stays quiet and
// only errors are logged, whatever the configured level.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := logrus.ErrorLevel
	switch {
	case logLevelStr != "":
		switch logLevelStr {
		case "debug":
			level = logrus.DebugLevel
		case "info":
			level = logrus.InfoLevel
		case "warn":
			level = logrus.WarnLevel
		case "error":
			level = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	case verbose:
		level = logrus.DebugLevel
	case cmd.Flags().Changed("config"):
		level = cfg.Level()
	}

	cfg.LogLevel = level.String()
	return cfg.NewLogger(), nil
}
