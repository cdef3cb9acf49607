package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskd/internal/monitor"
)

var (
	// monitor command flags
	monProject  string
	monSession  string
	monInterval time.Duration
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&monProject, "project", "", "Scope the dashboard to one project and stream its events live")
	monitorCmd.Flags().StringVar(&monSession, "session", "", "Narrow the live feed to one session")
	monitorCmd.Flags().DurationVar(&monInterval, "interval", 5*time.Second, "Status refresh interval")
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live terminal dashboard",
	Long: `Open a live terminal dashboard showing session states, plan
progress, and event throughput.

Fleet-wide by default. Scoping to one project with --project adds a live
event feed and a connection panel for the underlying stream.

Examples:
  # Watch the whole fleet
  taskctl monitor

  # One project with its live event feed
  taskctl monitor --project billing

  # Faster refresh
  taskctl monitor --project billing --interval 2s`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := monitor.Options{
		ServerURL: serverURL,
		ProjectID: monProject,
		Token:     token(),
		Interval:  monInterval,
	}

	if monProject != "" {
		stream, err := monitor.NewStreamClient(monitor.StreamConfig{
			ServerURL: serverURL,
			ProjectID: monProject,
			SessionID: monSession,
			Token:     token(),
		})
		if err != nil {
			return err
		}
		opts.Feed = stream.Run(ctx)
		opts.Stream = stream
	}

	p := tea.NewProgram(monitor.NewModel(opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
