package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

var (
	// automation command flags
	amIdempotencyKey string
	amOutputJSON     bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)

	for _, cmd := range []*cobra.Command{initCmd, pauseCmd, resumeCmd, stopCmd} {
		cmd.Flags().StringVar(&amIdempotencyKey, "idempotency-key", "", "Key deduplicating retried control requests")
	}
	for _, cmd := range []*cobra.Command{initCmd, statusCmd, pauseCmd, resumeCmd, stopCmd} {
		cmd.Flags().BoolVar(&amOutputJSON, "json", false, "Output results as JSON")
	}
}

var initCmd = &cobra.Command{
	Use:   "init <project-id>",
	Short: "Start automation for a project",
	Long: `Start autonomous task execution for a project.

The daemon opens the project's plan, provisions a sandbox per session, and
drives tasks through the execution machine until the plan is complete or a
failure escalates to human review.

Examples:
  # Start automation
  taskctl init billing

  # Retry-safe start
  taskctl init billing --idempotency-key deploy-42`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show automation status",
	Long: `Show the automation status of one project, or of every registered
project when no project is given.

Examples:
  # All projects
  taskctl status

  # One project
  taskctl status billing

  # Machine-readable
  taskctl status billing --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <project-id>",
	Short: "Pause a project's automation",
	Long: `Pause a project's session loop. The running task finishes its
current step, then the loop parks until resumed.

Examples:
  taskctl pause billing`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume a paused project",
	Long: `Resume a paused project, or restart automation for a project parked
in human review after the underlying problem was fixed.

Examples:
  taskctl resume billing`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var stopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Stop automation and tear down the project",
	Long: `Stop a project's automation. The session loop ends, the sandbox is
destroyed, and the project record is removed from the supervisor.

Examples:
  taskctl stop billing`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func runInit(cmd *cobra.Command, args []string) error {
	st, err := controlPost(args[0], "initialize")
	if err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(st)
	}
	fmt.Printf("Automation started\n")
	printStatus(st)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return projectStatus(args[0])
	}
	return listProjects()
}

func runPause(cmd *cobra.Command, args []string) error {
	st, err := controlPost(args[0], "pause")
	if err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(st)
	}
	fmt.Printf("Automation paused\n")
	printStatus(st)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	st, err := controlPost(args[0], "resume")
	if err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(st)
	}
	fmt.Printf("Automation resumed\n")
	printStatus(st)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	st, err := controlPost(args[0], "stop")
	if err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(st)
	}
	fmt.Printf("Automation stopped\n")
	printStatus(st)
	return nil
}

// controlPost drives one automation control operation and decodes the
// resulting status.
func controlPost(projectID, action string) (*apiv1.ProjectStatus, error) {
	path := fmt.Sprintf("/api/v1/projects/%s/automation/%s", url.PathEscape(projectID), action)
	resp, err := apiPost(path, nil, amIdempotencyKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var st apiv1.ProjectStatus
	if err := decodeBody(resp, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// projectStatus fetches and prints one project's automation status.
func projectStatus(projectID string) error {
	path := fmt.Sprintf("/api/v1/projects/%s/automation", url.PathEscape(projectID))
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var st apiv1.ProjectStatus
	if err := decodeBody(resp, &st); err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(st)
	}
	printStatus(&st)
	return nil
}

// listProjects fetches and prints every registered project.
func listProjects() error {
	resp, err := apiGet("/api/v1/projects")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var list apiv1.ProjectList
	if err := decodeBody(resp, &list); err != nil {
		return err
	}
	if amOutputJSON {
		return outputJSON(list)
	}

	if len(list.Projects) == 0 {
		fmt.Println("No projects registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tSTATE\tSESSION\tTASK\tDONE\tLEFT\tRETRIES")
	for _, p := range list.Projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			truncate(p.ProjectID, 24),
			p.State,
			truncate(p.SessionID, 14),
			truncate(p.CurrentTaskID, 20),
			p.TasksCompleted,
			p.TasksRemaining,
			p.RetryCount,
		)
	}
	w.Flush()

	if len(list.Counts) > 0 {
		fmt.Println()
		for _, state := range []string{"running", "paused", "human_review", "completed", "idle"} {
			if n, ok := list.Counts[state]; ok {
				fmt.Printf("%s=%d  ", state, n)
			}
		}
		fmt.Println()
	}
	return nil
}

// printStatus renders one status in the human-readable form.
func printStatus(st *apiv1.ProjectStatus) {
	fmt.Printf("Project: %s\n", st.ProjectID)
	fmt.Printf("State: %s\n", st.State)
	if st.SessionID != "" {
		fmt.Printf("Session: %s\n", st.SessionID)
	}
	if st.CurrentTaskID != "" {
		fmt.Printf("Current Task: %s\n", st.CurrentTaskID)
	}
	fmt.Printf("Tasks: %d completed, %d remaining\n", st.TasksCompleted, st.TasksRemaining)
	if st.RetryCount > 0 {
		fmt.Printf("Retries: %d\n", st.RetryCount)
	}
	if st.LastError != "" {
		fmt.Printf("Last Error: %s\n", st.LastError)
	}
	if !st.UpdatedAt.IsZero() {
		fmt.Printf("Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}
