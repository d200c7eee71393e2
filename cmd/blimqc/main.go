package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blimqc/internal/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blimqc",
	Short: "BLE device QC test station",
	Long: `Quality-control test station for BLE units under test:

- Scan for candidate units on the production line
- Run a test plan against one unit over the QA GATT service
- Prompt the operator for manual steps and collect per-test results
- Export a pass/fail report for device registration

Exit status: 0 every test passed, 2 the unit failed QC, 1 on errors.`,
	Version: formatVersion(version),
}

func main() {
	os.Exit(execute())
}

func execute() int {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, device.ErrUserCancelled):
		// Ctrl+C is not an error - exit silently with the conventional SIGINT status
		return 130
	case errors.Is(err, ErrQCFailed):
		return 2
	default:
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		return 1
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blimqc {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(planCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().String("config", "", "Station config file (YAML)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
