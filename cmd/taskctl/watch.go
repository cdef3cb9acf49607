package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/events"
	"github.com/fyrsmithlabs/taskd/internal/monitor"
)

var (
	// watch command flags
	wSession string
	wAfter   uint64
	wJSON    bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&wSession, "session", "", "Narrow the feed to one session (enables resume across reconnects)")
	watchCmd.Flags().Uint64Var(&wAfter, "after", 0, "Replay a session-scoped stream after this sequence number")
	watchCmd.Flags().BoolVar(&wJSON, "json", false, "Print raw event envelopes, one JSON object per line")
}

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Tail a project's event stream",
	Long: `Tail a project's real-time event stream. Lost connections are
redialed at a fixed interval until interrupted; connection state changes
go to stderr so the event feed on stdout stays clean.

A session-scoped stream resumes where it left off after a reconnect. A
project-wide stream cannot resume, so a notice is printed when events may
have been missed.

Examples:
  # Everything the project emits
  taskctl watch billing

  # One session, resuming from sequence 1042
  taskctl watch billing --session sess-3f2a --after 1042

  # Pipe envelopes into jq
  taskctl watch billing --json | jq .type`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := monitor.NewStreamClient(monitor.StreamConfig{
		ServerURL: serverURL,
		ProjectID: args[0],
		SessionID: wSession,
		Token:     token(),
		AfterSeq:  wAfter,
	}, monitor.WithStreamStateHandler(func(s events.ConnState) {
		fmt.Fprintf(os.Stderr, "# connection: %s\n", s)
	}))
	if err != nil {
		return err
	}

	for env := range client.Run(ctx) {
		if client.ResyncNeeded() {
			fmt.Fprintln(os.Stderr, "# reconnected without replay; events may have been missed, re-check `taskctl status`")
			client.AckResync()
		}
		if wJSON {
			data, err := env.Encode()
			if err != nil {
				fmt.Fprintf(os.Stderr, "# dropped malformed envelope: %v\n", err)
				continue
			}
			fmt.Println(string(data))
			continue
		}
		fmt.Println(watchLine(env))
	}
	return nil
}

// watchLine renders one envelope as a single human-readable line.
func watchLine(env *events.Envelope) string {
	scope := env.SessionID
	if env.TaskID != "" {
		scope = env.TaskID
	}
	return fmt.Sprintf("%s %-16s %-14s %s",
		env.Time().Local().Format("15:04:05"),
		env.Type,
		scope,
		watchDetail(env),
	)
}

// watchDetail summarizes the payload per event type.
func watchDetail(env *events.Envelope) string {
	switch env.Type {
	case events.TypeExecutionUpdate:
		var p struct {
			From       string `json:"from"`
			To         string `json:"to"`
			RetryCount int    `json:"retry_count"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			break
		}
		if p.RetryCount > 0 {
			return fmt.Sprintf("%s -> %s (retry %d)", p.From, p.To, p.RetryCount)
		}
		return fmt.Sprintf("%s -> %s", p.From, p.To)

	case events.TypeExecutionLog:
		var p struct {
			Stream string `json:"stream"`
			Chunk  string `json:"chunk"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			break
		}
		chunk := strings.TrimSpace(strings.ReplaceAll(p.Chunk, "\n", " "))
		return fmt.Sprintf("[%s] %s", p.Stream, chunk)

	case events.TypeError:
		var p struct {
			Step     string `json:"step"`
			Category string `json:"category"`
			Message  string `json:"message"`
			ExitCode int    `json:"exit_code"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			break
		}
		return fmt.Sprintf("%s %s: %s (exit %d)", p.Step, p.Category, p.Message, p.ExitCode)

	case events.TypeCompletion:
		var p struct {
			Summary         string `json:"summary"`
			ProjectComplete *bool  `json:"project_complete"`
			TasksRemaining  int    `json:"tasks_remaining"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			break
		}
		if p.ProjectComplete != nil {
			if *p.ProjectComplete {
				return "session done, project complete"
			}
			return fmt.Sprintf("session done, %d tasks remaining", p.TasksRemaining)
		}
		if p.Summary != "" {
			return p.Summary
		}
		return "done"

	case events.TypeAlert:
		var p struct {
			Kind string `json:"kind"`
		}
		if json.Unmarshal(env.Payload, &p) == nil && p.Kind != "" {
			return p.Kind
		}
	}
	return string(env.Payload)
}
