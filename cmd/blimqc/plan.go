package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blimqc/internal/qc"
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan [file]",
	Short: "Validate and print a test plan",
	Long: `Load a test plan, validate it and print the tests in execution order together
with the command envelope each one sends. Without a file the built-in plan is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

var planFormat string

func init() {
	planCmd.Flags().StringVarP(&planFormat, "format", "f", "table", "Output format (table, json)")
}

// planTestView is the printed form of one test definition.
type planTestView struct {
	Index              int            `json:"index"`
	Name               string         `json:"name"`
	TimeoutMS          int64          `json:"timeout_ms"`
	RequiresUserAction bool           `json:"requires_user_action"`
	Criteria           []qc.Criterion `json:"criteria,omitempty"`
	Command            qc.Envelope    `json:"command"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	if planFormat != "table" && planFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", planFormat)
	}

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if cfg, err := loadConfig(cmd); err != nil {
		return err
	} else {
		path = cfg.PlanPath
	}

	plan, err := resolvePlan(path)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	views := make([]planTestView, 0, plan.Len())
	for i, t := range plan.Tests() {
		views = append(views, planTestView{
			Index:              i + 1,
			Name:               t.Name,
			TimeoutMS:          t.Timeout.Milliseconds(),
			RequiresUserAction: t.RequiresUserAction,
			Criteria:           t.Criteria,
			Command:            qc.Envelope{ID: "<correlation-id>", Type: t.CommandType, Payload: t.Payload},
		})
	}

	out := cmd.OutOrStdout()
	if planFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(views)
	}
	return printPlanTable(out, views)
}

func printPlanTable(out io.Writer, views []planTestView) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTEST\tCOMMAND\tTIMEOUT\tOPERATOR\tPAYLOAD")
	for _, v := range views {
		payload, err := json.Marshal(v.Command.Payload)
		if err != nil {
			return fmt.Errorf("test %s: %w", v.Name, err)
		}
		operator := "-"
		if v.RequiresUserAction {
			operator = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%dms\t%s\t%s\n", v.Index, v.Name, v.Command.Type, v.TimeoutMS, operator, payload)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var criteria []string
	for _, v := range views {
		for _, c := range v.Criteria {
			bounds := make([]string, 0, 2)
			if c.Above != nil {
				bounds = append(bounds, fmt.Sprintf("> %g", *c.Above))
			}
			if c.Below != nil {
				bounds = append(bounds, fmt.Sprintf("< %g", *c.Below))
			}
			criteria = append(criteria, fmt.Sprintf("  %s: %s %s", v.Name, c.Measurement, strings.Join(bounds, " and ")))
		}
	}
	if len(criteria) > 0 {
		fmt.Fprintf(out, "\nPass criteria:\n%s\n", strings.Join(criteria, "\n"))
	}
	return nil
}
