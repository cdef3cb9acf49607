package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

var (
	// inject command flags
	injFile        string
	injType        string
	injPosition    int
	injTaskID      string
	injTitle       string
	injDescription string
	injCriteria    []string
	injDeps        []string
	injPriority    int
	injReason      string
	injRequestedBy string
	injInjectionID string
	injOutputJSON  bool
)

func init() {
	rootCmd.AddCommand(injectCmd)

	injectCmd.Flags().StringVarP(&injFile, "file", "f", "", "Read the injection request from a JSON file ('-' for stdin)")
	injectCmd.Flags().StringVar(&injType, "type", "priority", "Injection type: priority, replace, or positional")
	injectCmd.Flags().IntVar(&injPosition, "position", 0, "Insertion index for positional injections")
	injectCmd.Flags().StringVar(&injTaskID, "task-id", "", "Task ID (server assigns one when empty; required for replace)")
	injectCmd.Flags().StringVar(&injTitle, "title", "", "Task title")
	injectCmd.Flags().StringArrayVar(&injCriteria, "criteria", nil, "Acceptance criterion (repeatable)")
	injectCmd.Flags().StringArrayVar(&injDeps, "dep", nil, "Task ID this task depends on (repeatable)")
	injectCmd.Flags().StringVar(&injDescription, "description", "", "Task description")
	injectCmd.Flags().IntVar(&injPriority, "priority", 0, "Task priority")
	injectCmd.Flags().StringVar(&injReason, "reason", "", "Why the task is being injected")
	injectCmd.Flags().StringVar(&injRequestedBy, "requested-by", "", "Originator recorded in the audit log")
	injectCmd.Flags().StringVar(&injInjectionID, "injection-id", "", "Idempotent injection ID (server assigns one when empty)")
	injectCmd.Flags().BoolVar(&injOutputJSON, "json", false, "Output results as JSON")
}

var injectCmd = &cobra.Command{
	Use:   "inject <project-id>",
	Short: "Inject a task into a project's plan",
	Long: `Inject a task into a running project's plan without stopping
automation. The change lands between state transitions and is recorded in
the plan's audit log.

Injection types:
  priority    run the task next, ahead of the current order
  replace     swap the body of an existing pending task (needs --task-id)
  positional  insert at a fixed index (needs --position)

Examples:
  # Quick priority injection
  taskctl inject billing --title "Fix flaky invoice test" --reason hotfix

  # Positional insert at index 2
  taskctl inject billing --type positional --position 2 \
    --title "Add invoice schema migration" --criteria "migration applies cleanly"

  # Replace a pending task's body
  taskctl inject billing --type replace --task-id task-7 \
    --title "Rework rate limiter with token bucket"

  # Full request from a file
  taskctl inject billing --file injection.json`,
	Args: cobra.ExactArgs(1),
	RunE: runInject,
}

func runInject(cmd *cobra.Command, args []string) error {
	req, err := buildInjection(cmd)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v1/projects/%s/injections", url.PathEscape(args[0]))
	resp, err := apiPost(path, req, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}

	var result apiv1.InjectionResponse
	if err := decodeBody(resp, &result); err != nil {
		return err
	}
	if injOutputJSON {
		return outputJSON(result)
	}

	fmt.Printf("Injection accepted\n")
	fmt.Printf("Injection ID: %s\n", result.InjectionID)
	fmt.Printf("Task ID: %s\n", result.TaskID)
	fmt.Printf("Plan Version: %d\n", result.PlanVersion)
	return nil
}

// buildInjection assembles the request from --file or from the task flags.
func buildInjection(cmd *cobra.Command) (*apiv1.InjectionRequest, error) {
	if injFile != "" {
		if injTitle != "" {
			return nil, fmt.Errorf("--file and --title are mutually exclusive")
		}
		return injectionFromFile(injFile)
	}

	if injTitle == "" {
		return nil, fmt.Errorf("either --file or --title is required")
	}

	req := &apiv1.InjectionRequest{
		InjectionID: injInjectionID,
		Type:        injType,
		Task: apiv1.TaskSpec{
			ID:                 injTaskID,
			Title:              injTitle,
			Description:        injDescription,
			AcceptanceCriteria: injCriteria,
			Dependencies:       injDeps,
			Priority:           injPriority,
		},
		Reason:      injReason,
		RequestedBy: injRequestedBy,
	}
	if cmd.Flags().Changed("position") {
		pos := injPosition
		req.Position = &pos
	}
	return req, nil
}

func injectionFromFile(path string) (*apiv1.InjectionRequest, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read injection file: %w", err)
	}

	var req apiv1.InjectionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse injection file: %w", err)
	}
	return &req, nil
}
