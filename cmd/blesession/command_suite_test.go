package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/testutils"
)

// CommandTestSuite runs CLI commands against the fake driver.
// All cmd/blesession test suites should embed it.
type CommandTestSuite struct {
	testutils.FakePeripheralSuite

	originalDriver func(*logrus.Logger) device.Driver
}

func (s *CommandTestSuite) SetupSuite() {
	s.FakePeripheralSuite.SetupSuite()
	color.NoColor = true
	s.originalDriver = newDriver
}

func (s *CommandTestSuite) TearDownSuite() {
	newDriver = s.originalDriver
}

func (s *CommandTestSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()
	newDriver = func(*logrus.Logger) device.Driver { return s.Driver }
	resetFlags(rootCmd)
}

// resetFlags restores every flag of cmd and its subcommands to its default value.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	_, err := rootCmd.ExecuteContextC(context.Background())
	return stdout.String(), stderr.String(), err
}

// WriteConfig writes a YAML configuration file and returns its path.
func (s *CommandTestSuite) WriteConfig(yaml string) string {
	path := filepath.Join(s.T().TempDir(), "blesession.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(yaml), 0o600), "config file MUST be written")
	return path
}
