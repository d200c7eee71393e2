package main

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blimqc/internal/device"
	"github.com/srg/blimqc/internal/testutils"
	"github.com/srg/blimqc/pkg/config"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs blimqc commands against a simulated unit under test.
// Command flags are package globals, so every test starts from their defaults.
type CommandTestSuite struct {
	suite.Suite

	Link    *testutils.SimLink
	LockDir string
	// Stderr holds the operator-facing output of the last executed command.
	Stderr string

	restoreColors   func()
	origLinkManager func(*logrus.Logger, *config.Config) device.LinkManager
	origScanner     func(*logrus.Logger, *config.Config) device.Scanner
}

func (s *CommandTestSuite) SetupTest() {
	s.restoreColors = testutils.ColorsDisabled()
	resetCommandFlags(rootCmd)

	s.Link = testutils.NewSimLink(nil)
	s.LockDir = s.T().TempDir()

	s.origLinkManager = newLinkManager
	s.origScanner = newScanner
	link := s.Link
	newLinkManager = func(*logrus.Logger, *config.Config) device.LinkManager { return link }
}

func (s *CommandTestSuite) TearDownTest() {
	newLinkManager = s.origLinkManager
	newScanner = s.origScanner
	s.restoreColors()
}

// WithScanner installs a fake scanner for the current test.
func (s *CommandTestSuite) WithScanner(sc device.Scanner) {
	newScanner = func(*logrus.Logger, *config.Config) device.Scanner { return sc }
}

// ExecuteCommand runs the root command with args and stdin, returning stdout and the error.
// Stderr is kept in s.Stderr.
func (s *CommandTestSuite) ExecuteCommand(stdin string, args ...string) (string, error) {
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	s.Stderr = errOut.String()
	return out.String(), err
}

// resetCommandFlags restores every flag of cmd and its subcommands to its default.
func resetCommandFlags(cmd *cobra.Command) {
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
		resetCommandFlags(c)
	}
}
