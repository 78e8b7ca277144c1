package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestConfigureLogger(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("log-level", "", "")
		cmd.Flags().Bool("verbose", false, "")
		cmd.Flags().String("config", "", "")
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	tests := []struct {
		name     string
		args     []string
		cfgLevel string
		expected logrus.Level
	}{
		{name: "quiet by default", expected: logrus.ErrorLevel},
		{name: "config level ignored without --config", cfgLevel: "debug", expected: logrus.ErrorLevel},
		{name: "config level used with --config", args: []string{"--config", "x.yaml"}, cfgLevel: "warn", expected: logrus.WarnLevel},
		{name: "verbose", args: []string{"--verbose"}, expected: logrus.DebugLevel},
		{name: "log-level wins over verbose", args: []string{"--verbose", "--log-level", "info"}, expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			if tt.cfgLevel != "" {
				cfg.LogLevel = tt.cfgLevel
			}
			logger, err := configureLogger(newCmd(tt.args...), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}

	t.Run("invalid level", func(t *testing.T) {
		_, err := configureLogger(newCmd("--log-level", "loud"), config.DefaultConfig())
		assert.ErrorContains(t, err, "invalid log level: loud")
	})
}
