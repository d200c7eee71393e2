package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blimqc/internal/device"
	goble "github.com/srg/blimqc/internal/device/go-ble"
	"github.com/srg/blimqc/internal/filelock"
	"github.com/srg/blimqc/internal/logstore"
	"github.com/srg/blimqc/internal/qc"
	"github.com/srg/blimqc/pkg/config"
)

// newLinkManager creates the BLE link manager (can be overridden in tests)
var newLinkManager = func(logger *logrus.Logger, cfg *config.Config) device.LinkManager {
	return goble.NewManager(logger, &goble.Options{
		WriteChunkSize:  cfg.WriteChunkSize,
		WriteChunkDelay: cfg.WriteChunkDelay,
	})
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the QC test plan against a unit under test",
	Long: `Connect to a unit under test, run every test of the plan in order and report
a pass/fail verdict.

Without --address the first advertising unit whose name matches --name is used.
Without --plan the built-in microphone L/R balance test is run.`,
	Example: `  blimqc run
  blimqc run --address 11:22:33:44:55:66 --plan line3.yaml --report-dir ./reports
  blimqc run --name DINO --yes --json`,
	Args: cobra.NoArgs,
	RunE: runQC,
}

var (
	runPlanPath  string
	runAddress   string
	runNames     []string
	runServices  []string
	runReportDir string
	runLogDB     string
	runLockDir   string
	runYes       bool
	runJSON      bool
	runStrict    bool
)

func init() {
	runCmd.Flags().StringVarP(&runPlanPath, "plan", "p", "", "Test plan file (YAML or JSON)")
	runCmd.Flags().StringVarP(&runAddress, "address", "a", "", "Unit address; skips scanning")
	runCmd.Flags().StringSliceVarP(&runNames, "name", "n", nil, "Advertised name fragments to match")
	runCmd.Flags().StringSliceVarP(&runServices, "service", "s", nil, "Advertised service UUIDs to match")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "Directory for the JSON report")
	runCmd.Flags().StringVar(&runLogDB, "log-db", "", "SQLite database for the session log trail")
	runCmd.Flags().StringVar(&runLockDir, "lock-dir", "", "Directory for per-unit session locks")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Acknowledge operator prompts automatically")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "Ignore results that carry neither a correlation id nor a test name")
}

// applyRunFlags overlays explicitly set flags on the station config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("plan") {
		cfg.PlanPath = runPlanPath
	}
	if flags.Changed("name") {
		cfg.NameFilters = runNames
	}
	if flags.Changed("report-dir") {
		cfg.ReportDir = runReportDir
	}
	if flags.Changed("log-db") {
		cfg.LogDB = runLogDB
	}
	if flags.Changed("lock-dir") {
		cfg.LockDir = runLockDir
	}
	if flags.Changed("strict") {
		cfg.StrictCorrelation = runStrict
	}
}

func resolvePlan(path string) (*qc.Plan, error) {
	if path == "" {
		return qc.DefaultPlan(), nil
	}
	return qc.LoadPlan(path)
}

func buildFilter(cfg *config.Config) (*device.Filter, error) {
	filter := &device.Filter{
		Address:        runAddress,
		NameContains:   cfg.NameFilters,
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	if len(filter.NameContains) == 0 {
		filter.NameContains = goble.DefaultNameFilters
	}
	if len(runServices) > 0 {
		uuids, err := device.ValidateUUID(runServices...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		filter.ServiceUUIDs = uuids
	}
	return filter, nil
}

func runQC(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	plan, err := resolvePlan(cfg.PlanPath)
	if err != nil {
		return err
	}
	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}
	profile, err := cfg.ServiceProfile()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without an address the unit is not known before connecting; the lock then guards the
	// station's auto-select slot instead.
	lock := filelock.NewSessionLock(cfg.LockDir, filter.Address)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.WithError(err).Warn("Failed to release session lock")
		}
	}()

	recorders := qc.MultiRecorder{qc.LogrusRecorder{Logger: logger}}
	var sinks []qc.ReportSink
	if cfg.LogDB != "" {
		store, err := logstore.Open(cfg.LogDB, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		unit := filter.Address
		if unit == "" {
			unit = "auto"
		}
		session, err := store.BeginSession(ctx, unit)
		if err != nil {
			return err
		}
		logger.WithField("session", session.ID).Info("Recording session log trail")
		recorders = append(recorders, session)
		sinks = append(sinks, session)
	}
	if cfg.ReportDir != "" {
		sinks = append(sinks, &qc.FileSink{Dir: cfg.ReportDir})
	}

	seq := qc.NewSequencer(newLinkManager(logger, cfg), &qc.Options{
		Logger:            logger,
		Recorder:          recorders,
		Profile:           profile,
		StrictCorrelation: cfg.StrictCorrelation,
		WriteTimeout:      cfg.WriteTimeout,
		Sinks:             sinks,
	})
	defer seq.Reset()

	// stdout carries only the report so --json output stays machine readable
	out, ui := cmd.OutOrStdout(), cmd.ErrOrStderr()
	progress := NewProgressPrinter(ui, "Connecting to unit under test", "scanning")
	progress.Start()
	err = seq.Start(ctx, plan, filter)
	progress.Stop()
	if err != nil {
		return err
	}
	fmt.Fprintf(ui, "Running %d test(s)...\n", plan.Len())

	promptsDone := make(chan struct{})
	go func() {
		defer close(promptsDone)
		handlePrompts(ctx, seq, cmd.InOrStdin(), ui, runYes, logger)
	}()

	report, err := seq.Wait(ctx)
	if report == nil {
		if err == nil {
			err = errors.New("session ended without a report")
		}
		return err
	}
	<-promptsDone

	if runJSON {
		if perr := printReportJSON(out, report); perr != nil {
			return perr
		}
	} else {
		printReport(out, report)
	}
	if cfg.ReportDir != "" && err == nil {
		fmt.Fprintf(ui, "Report saved to %s\n", cfg.ReportDir)
	}
	if err != nil {
		return fmt.Errorf("report export failed: %w", err)
	}
	if !report.Verdict() {
		return ErrQCFailed
	}
	return nil
}

// handlePrompts shows manual-action prompts and acknowledges them once the operator
// presses Enter, or immediately with autoAck. It returns when the session ends.
func handlePrompts(ctx context.Context, seq *qc.Sequencer, in io.Reader, out io.Writer, autoAck bool, logger *logrus.Logger) {
	done := seq.Done()
	action := color.New(color.FgYellow, color.Bold)

	var lines chan struct{}
	if !autoAck {
		if !isTerminal(in) {
			logger.Warn("stdin is not a terminal; prompts are acknowledged per input line (use --yes to skip)")
		}
		lines = make(chan struct{})
		go func() {
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				select {
				case lines <- struct{}{}:
				case <-done:
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case p := <-seq.Prompts():
			fmt.Fprintf(out, "\n%s [%s] %s\n", action.Sprint("ACTION REQUIRED"), p.Test, p.Message)
			if !autoAck {
				fmt.Fprint(out, "Press Enter when done... ")
				select {
				case <-lines:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
			if err := seq.Acknowledge(); err != nil {
				logger.WithError(err).Debug("Acknowledgement not applied")
			}
		}
	}
}

func statusLabel(s qc.Status) string {
	switch s {
	case qc.StatusPass:
		return color.GreenString("PASS")
	case qc.StatusFail:
		return color.RedString("FAIL")
	case qc.StatusNotExecuted:
		return color.YellowString("SKIPPED")
	default:
		return string(s)
	}
}

func printReport(out io.Writer, report *qc.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTEST\tSTATUS\tDETAILS")
	for i, r := range report.Results() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, r.TestName, statusLabel(r.Status), r.Details)
	}
	_ = w.Flush()

	sum := report.Summary()
	verdict := color.New(color.FgGreen, color.Bold).Sprint("PASS")
	if !report.Verdict() {
		verdict = color.New(color.FgRed, color.Bold).Sprint("FAIL")
	}
	fmt.Fprintf(out, "\nOVERALL: %s (%d/%d passed, %s)\n", verdict, sum.Passed, sum.Total,
		report.GeneratedAt().Format(time.RFC3339))
}

func printReportJSON(out io.Writer, report *qc.Report) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
