package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fyrsmithlabs/taskd/internal/events"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

const (
	sparklineWidth  = 32
	sparklineHeight = 3
	historySize     = 40
	feedLines       = 6
)

// Options configure the dashboard model.
type Options struct {
	// ServerURL of the taskd control plane.
	ServerURL string

	// ProjectID narrows the dashboard to one project. Empty shows the
	// whole fleet.
	ProjectID string

	// Token authenticates API calls when the server requires it.
	Token string

	// Interval is the status refresh cadence.
	Interval time.Duration

	// Feed is an optional live envelope stream, usually StreamClient.Run.
	Feed <-chan *events.Envelope

	// Stream exposes connection stats for the feed. Optional.
	Stream *StreamClient
}

// Model is the bubbletea model behind `taskd monitor`.
type Model struct {
	serverURL string
	projectID string
	token     string
	interval  time.Duration

	feed   <-chan *events.Envelope
	stream *StreamClient

	lastUpdate time.Time
	status     StatusSnapshot
	err        error
	quitting   bool

	eventsSinceTick int

	// Progress bar for overall plan completion
	planProgress progress.Model
}

// StatusSnapshot holds the current automation state and event counters
type StatusSnapshot struct {
	Projects []apiv1.ProjectStatus
	Counts   map[string]int

	EventTotal int64
	EventRate  float64

	// Historical data for the rate sparkline (last N points)
	RateHistory []float64

	// Most recent feed lines, newest last
	Recent []string
}

// Blue accent over a mostly-gray body. Alert colors only on badges so a
// healthy fleet reads calm.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("232")).
			Background(lipgloss.Color("39")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255")).
			Bold(true)

	// units, ages, secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

// NewModel creates a dashboard model from options, filling in defaults for
// the local control plane.
func NewModel(opts Options) Model {
	if opts.ServerURL == "" {
		opts.ServerURL = "http://localhost:9390"
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	planProg := progress.New(
		progress.WithGradient("#4ade80", "#facc15"),
		progress.WithWidth(40),
	)

	return Model{
		serverURL:    opts.ServerURL,
		projectID:    opts.ProjectID,
		token:        opts.Token,
		interval:     opts.Interval,
		feed:         opts.Feed,
		stream:       opts.Stream,
		quitting:     false,
		planProgress: planProg,
		status: StatusSnapshot{
			RateHistory: make([]float64, 0, historySize),
			Recent:      make([]string, 0, feedLines),
		},
	}
}

// stateBadge maps one project's automation state to a colored marker.
func stateBadge(state string) string {
	switch state {
	case "running", "completed":
		return healthyStyle.Render("[✓]")
	case "paused":
		return warningStyle.Render("[⚠]")
	case "human_review":
		return errorStyle.Render("[✗]")
	default:
		return dimStyle.Render("[-]")
	}
}

// fleetBadge summarizes the whole fleet, escalating on the worst state.
func fleetBadge(counts map[string]int) string {
	if counts["human_review"] > 0 {
		return errorStyle.Render("✗ REVIEW")
	}
	if counts["paused"] > 0 {
		return warningStyle.Render("⚠ PAUSED")
	}
	return healthyStyle.Render("✓ OK")
}

func connBadge(s events.ConnState) string {
	switch s {
	case events.StateConnected:
		return healthyStyle.Render("[✓]")
	case events.StateConnecting, events.StateReconnecting:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// bounded appends v and drops the oldest entries beyond max.
func bounded[T any](buf []T, v T, max int) []T {
	buf = append(buf, v)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

func renderSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	return sparklineStyle.Render(spark.View())
}

// formatEventLine renders one envelope as a single feed row.
func formatEventLine(env *events.Envelope) string {
	ts := env.Time().Local().Format("15:04:05")
	scope := env.SessionID
	if env.TaskID != "" {
		scope = env.TaskID
	}

	var detail string
	switch env.Type {
	case events.TypeExecutionUpdate:
		var p struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			detail = p.From + " -> " + p.To
		}
	case events.TypeExecutionLog:
		var p struct {
			Chunk string `json:"chunk"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			detail = strings.ReplaceAll(p.Chunk, "\n", " ")
		}
	case events.TypeError:
		var p struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			detail = p.Message
		}
	case events.TypeCompletion:
		detail = "done"
	}

	line := fmt.Sprintf("%s %-16s %-14s %s", ts, env.Type, Truncate(scope, 14), Truncate(detail, 40))
	return strings.TrimRight(line, " ")
}

// Messages delivered to Update.
type tickMsg time.Time
type statusMsg struct {
	projects []apiv1.ProjectStatus
	counts   map[string]int
}
type envelopeMsg *events.Envelope
type feedClosedMsg struct{}
type errMsg error

// Init starts the refresh loop and, when a feed is attached, the envelope
// pump.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		tick(m.interval),
		fetchStatus(m.serverURL, m.token, m.projectID),
	}
	if m.feed != nil {
		cmds = append(cmds, waitForEvent(m.feed))
	}
	return tea.Batch(cmds...)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStatus asks the control plane for the fleet snapshot, or for a
// single project when the dashboard is scoped.
func fetchStatus(serverURL, token, projectID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := NewStatusClient(serverURL, token)

		if projectID != "" {
			st, err := client.ProjectStatus(ctx, projectID)
			if err != nil {
				return errMsg(err)
			}
			return statusMsg{
				projects: []apiv1.ProjectStatus{*st},
				counts:   map[string]int{st.State: 1},
			}
		}

		list, err := client.ListProjects(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg{projects: list.Projects, counts: list.Counts}
	}
}

// waitForEvent blocks on the live feed until the next envelope arrives
func waitForEvent(feed <-chan *events.Envelope) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return envelopeMsg(env)
	}
}

// Update folds one message into the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.serverURL, m.token, m.projectID)
		}

	case tickMsg:
		// Fold the envelopes seen since the last tick into the rate
		rate := float64(m.eventsSinceTick) * float64(time.Minute) / float64(m.interval)
		m.eventsSinceTick = 0
		m.status.EventRate = rate
		m.status.RateHistory = bounded(m.status.RateHistory, rate, historySize)
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.serverURL, m.token, m.projectID),
		)

	case statusMsg:
		m.status.Projects = msg.projects
		m.status.Counts = msg.counts
		m.lastUpdate = time.Now()
		m.err = nil
		if m.stream != nil {
			// Fresh state makes up for anything skipped by a lossy
			// reconnect.
			m.stream.AckResync()
		}
		return m, nil

	case envelopeMsg:
		m.status.EventTotal++
		m.eventsSinceTick++
		m.status.Recent = bounded(m.status.Recent, formatEventLine(msg), feedLines)
		return m, waitForEvent(m.feed)

	case feedClosedMsg:
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders either the dashboard or the connection-error screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(" taskd Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot connect to taskd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Please ensure:") + "\n")
	b.WriteString(dimStyle.Render("  1. taskd is running") + "\n")
	b.WriteString(dimStyle.Render("  2. the control plane listens on "+m.serverURL) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(" taskd Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s\n",
		fleetBadge(m.status.Counts),
		dimStyle.Render("Projects:"),
		valueStyle.Render(fmt.Sprintf("%d", len(m.status.Projects))),
		dimStyle.Render("Updated "+FormatAge(m.lastUpdate)))

	// One row per project session.
	b.WriteString("\n" + sectionStyle.Render("┃ Sessions") + "\n")

	if len(m.status.Projects) == 0 {
		b.WriteString(dimStyle.Render("  no projects registered") + "\n")
	}

	var tasksDone, tasksTotal int
	for _, p := range m.status.Projects {
		total := p.TasksCompleted + p.TasksRemaining
		tasksDone += p.TasksCompleted
		tasksTotal += total

		row := labelStyle.Render(fmt.Sprintf("  %-16s", Truncate(p.ProjectID, 16))) +
			" " + stateBadge(p.State) + " " +
			valueStyle.Render(fmt.Sprintf("%-12s", p.State)) +
			dimStyle.Render(" tasks ") +
			valueStyle.Render(fmt.Sprintf("%d/%d", p.TasksCompleted, total))
		if p.CurrentTaskID != "" {
			row += dimStyle.Render("  on ") + valueStyle.Render(Truncate(p.CurrentTaskID, 18))
		}
		if p.RetryCount > 0 {
			row += warningStyle.Render(fmt.Sprintf("  retry %d", p.RetryCount))
		}
		if p.State == "running" && !p.CreatedAt.IsZero() {
			row += dimStyle.Render("  up " + FormatDuration(int64(time.Since(p.CreatedAt).Seconds())))
		}
		b.WriteString(row + "\n")
	}

	// Overall plan completion across the fleet.
	planPercent := 0.0
	if tasksTotal > 0 {
		planPercent = float64(tasksDone) / float64(tasksTotal)
	}
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.planProgress.ViewAs(planPercent) +
		" " + dimStyle.Render(FormatPercentage(planPercent)) + "\n")

	// Event rate with sparkline, then the live feed tail.
	b.WriteString("\n" + sectionStyle.Render("┃ Events") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.status.EventRate)) +
		"   " + renderSparkline(m.status.RateHistory) + "\n")
	b.WriteString(labelStyle.Render("  Total: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.status.EventTotal)) + "\n")

	if m.feed == nil {
		b.WriteString(dimStyle.Render("  live feed off, scope to a project to stream events") + "\n")
	}
	for _, line := range m.status.Recent {
		b.WriteString(dimStyle.Render("  "+line) + "\n")
	}

	// Connection stats, shown when a live stream is attached.
	if m.stream != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Connection") + "\n")

		state := m.stream.State()
		connLine := labelStyle.Render("  Stream: ") +
			connBadge(state) + " " +
			valueStyle.Render(state.String()) +
			dimStyle.Render("  reconnects ") +
			valueStyle.Render(fmt.Sprintf("%d", m.stream.Reconnects()))
		if m.stream.ResyncNeeded() {
			connLine += " " + warningStyle.Render("resync pending")
		}
		if m.stream.HandshakeExceeded() {
			connLine += " " + warningStyle.Render("slow handshake")
		}
		b.WriteString(connLine + "\n")

		if hs := m.stream.LastHandshake(); hs > 0 {
			b.WriteString(labelStyle.Render("  Handshake: ") +
				valueStyle.Render(FormatLatency(hs.Seconds())) + "\n")
		}
	}

	b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}
