package qc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/filelock"
)

// Details recorded for results the sequencer finalizes on its own.
const (
	DetailsTimeout     = "timeout"
	DetailsSendFailed  = "failed to send command"
	DetailsLinkLost    = "link lost"
	DetailsNotExecuted = "not executed"
)

// TestResult is the outcome of one test definition.
type TestResult struct {
	TestName  string    `json:"test_name"`
	Status    Status    `json:"status"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary counts results by terminal status.
type Summary struct {
	Total       int `json:"total"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	NotExecuted int `json:"not_executed"`
}

// Report is the immutable QC outcome of a completed session.
type Report struct {
	results     []TestResult
	verdict     bool
	generatedAt time.Time
}

// Results returns a copy of the ordered results.
func (r *Report) Results() []TestResult {
	out := make([]TestResult, len(r.results))
	copy(out, r.results)
	return out
}

// Verdict is true iff every test passed.
func (r *Report) Verdict() bool { return r.verdict }

// GeneratedAt is when the report was built.
func (r *Report) GeneratedAt() time.Time { return r.generatedAt }

// Summary counts results by status.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.results)}
	for _, res := range r.results {
		switch res.Status {
		case StatusPass:
			s.Passed++
		case StatusFail:
			s.Failed++
		case StatusNotExecuted:
			s.NotExecuted++
		}
	}
	return s
}

type reportJSON struct {
	Results        []TestResult `json:"results"`
	OverallVerdict bool         `json:"overall_verdict"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Summary        Summary      `json:"summary"`
}

// MarshalJSON encodes the report in the shape consumed by the inventory collaborator.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		Results:        r.results,
		OverallVerdict: r.verdict,
		GeneratedAt:    r.generatedAt,
		Summary:        r.Summary(),
	})
}

// ReportSink receives finished reports; it is the boundary to the device registration workflow.
type ReportSink interface {
	Publish(ctx context.Context, report *Report) error
}

// Aggregator turns finalized results into a Report and hands it to the sinks.
type Aggregator struct {
	clock  clock.Clock
	logger *logrus.Logger
	sinks  []ReportSink
}

// NewAggregator creates an aggregator. A nil clock uses the wall clock.
func NewAggregator(clk clock.Clock, logger *logrus.Logger, sinks ...ReportSink) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Aggregator{clock: clk, logger: logger, sinks: sinks}
}

// Build snapshots results into a report. Every result must be terminal.
func (a *Aggregator) Build(results []TestResult) (*Report, error) {
	verdict := len(results) > 0
	for i, res := range results {
		if !res.Status.Terminal() {
			return nil, fmt.Errorf("result %d (%s) is not final: %s", i, res.TestName, res.Status)
		}
		if res.Status != StatusPass {
			verdict = false
		}
	}
	r := &Report{
		results:     make([]TestResult, len(results)),
		verdict:     verdict,
		generatedAt: a.clock.Now(),
	}
	copy(r.results, results)
	return r, nil
}

// Publish hands the report to every sink. Sink failures are joined and returned;
// the report itself is never affected.
func (a *Aggregator) Publish(ctx context.Context, report *Report) error {
	var failed []string
	for _, sink := range a.sinks {
		if err := sink.Publish(ctx, report); err != nil {
			a.logger.WithError(err).WithField("sink", fmt.Sprintf("%T", sink)).Error("Failed to publish QC report")
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("report publish failures - %s", strings.Join(failed, "; "))
	}
	return nil
}

// FileSink writes each report as indented JSON into Dir, atomically.
type FileSink struct {
	Dir string
	// Name returns the file name for a report; defaults to qc-report-<timestamp>.json.
	Name func(*Report) string
}

func (s *FileSink) Publish(_ context.Context, report *Report) error {
	name := fmt.Sprintf("qc-report-%s.json", report.GeneratedAt().UTC().Format("20060102T150405.000Z"))
	if s.Name != nil {
		name = s.Name(report)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return filelock.AtomicWrite(filepath.Join(s.Dir, name), append(data, '\n'))
}
