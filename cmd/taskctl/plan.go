package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// plan command flags
	plFormat    string
	plAuditJSON bool
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planAuditCmd)

	planShowCmd.Flags().StringVar(&plFormat, "format", "json", "Plan format: json, yaml, or toml")
	planAuditCmd.Flags().BoolVar(&plAuditJSON, "json", false, "Output results as JSON")
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect a project's plan",
	Long:  `Inspect a project's task plan and its injection audit trail.`,
}

var planShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Print the plan document",
	Long: `Print the project's plan in the requested format. The output is the
server's rendering, byte for byte.

Examples:
  # JSON plan
  taskctl plan show billing

  # YAML for editing
  taskctl plan show billing --format yaml > plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanShow,
}

var planAuditCmd = &cobra.Command{
	Use:   "audit <project-id>",
	Short: "Show the plan's injection audit trail",
	Long: `Show every task injection applied to the project's plan, newest
last.

Examples:
  taskctl plan audit billing
  taskctl plan audit billing --json`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanAudit,
}

func runPlanShow(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/plan?format=%s",
		url.PathEscape(args[0]), url.QueryEscape(plFormat))
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// auditRow mirrors the server's audit record JSON.
type auditRow struct {
	InjectionID    string    `json:"injection_id"`
	Type           string    `json:"injection_type"`
	TaskID         string    `json:"task_id"`
	ReplacedTaskID string    `json:"replaced_task_id"`
	Position       *int      `json:"position"`
	Reason         string    `json:"reason"`
	RequestedBy    string    `json:"requested_by"`
	PlanVersion    int       `json:"plan_version"`
	Timestamp      time.Time `json:"timestamp"`
}

func runPlanAudit(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/plan/audit", url.PathEscape(args[0]))
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var rows []auditRow
	if err := decodeBody(resp, &rows); err != nil {
		return err
	}
	if plAuditJSON {
		return outputJSON(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No injections recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tTASK\tTARGET\tVERSION\tBY\tREASON")
	for _, r := range rows {
		target := "-"
		switch {
		case r.ReplacedTaskID != "":
			target = r.ReplacedTaskID
		case r.Position != nil:
			target = fmt.Sprintf("index %d", *r.Position)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Type,
			truncate(r.TaskID, 20),
			truncate(target, 20),
			r.PlanVersion,
			truncate(r.RequestedBy, 14),
			truncate(r.Reason, 40),
		)
	}
	return w.Flush()
}
