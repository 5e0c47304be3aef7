// Package tui renders a compact live dashboard for a parallel run. It
// consumes the orchestrator's event stream and shows one row per issue
// plus merge counters.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lltools/ll/internal/orchestrator"
	"github.com/lltools/ll/pkg/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// rowStatus is the displayed lifecycle of one issue.
type rowStatus string

const (
	statusQueued   rowStatus = "queued"
	statusRunning  rowStatus = "running"
	statusMerging  rowStatus = "merging"
	statusMerged   rowStatus = "merged"
	statusClosed   rowStatus = "closed"
	statusConflict rowStatus = "conflict"
	statusFailed   rowStatus = "failed"
)

type issueRow struct {
	id     string
	title  string
	status rowStatus
	detail string
}

// eventMsg wraps one orchestrator event for the update loop.
type eventMsg orchestrator.Event

// streamClosedMsg signals the run has finished.
type streamClosedMsg struct{}

// Model is the bubbletea model for the dashboard.
type Model struct {
	events  <-chan orchestrator.Event
	spinner spinner.Model

	rows  map[string]*issueRow
	order []string

	merged    int
	conflicts int
	closed    int
	failed    int

	start    time.Time
	width    int
	done     bool
	quitting bool
}

// New creates a dashboard consuming the given event stream.
func New(events <-chan orchestrator.Event) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runningStyle
	return &Model{
		events:  events,
		spinner: sp,
		rows:    make(map[string]*issueRow),
		start:   time.Now(),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.nextEvent())
}

// nextEvent reads one event off the stream.
func (m *Model) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(orchestrator.Event(msg))
		return m, m.nextEvent()

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// apply folds one orchestrator event into the display state.
func (m *Model) apply(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventIssueAdmitted:
		m.row(ev.IssueID).title = ev.Message
	case orchestrator.EventIssueStarted:
		m.row(ev.IssueID).status = statusRunning
	case orchestrator.EventIssueCompleted:
		m.row(ev.IssueID).status = statusMerging
	case orchestrator.EventIssueFailed:
		row := m.row(ev.IssueID)
		row.status = statusFailed
		row.detail = ev.Message
		m.failed++
	case orchestrator.EventMergeDone:
		row := m.row(ev.IssueID)
		switch ev.MergeStatus {
		case models.MergeMerged:
			row.status = statusMerged
			m.merged++
		case models.MergeClosedNoMerge:
			row.status = statusClosed
			m.closed++
		case models.MergeConflict:
			row.status = statusConflict
			m.conflicts++
		default:
			row.status = statusFailed
			m.failed++
		}
	}
}

func (m *Model) row(id string) *issueRow {
	if r, ok := m.rows[id]; ok {
		return r
	}
	r := &issueRow{id: id, status: statusQueued}
	m.rows[id] = r
	m.order = append(m.order, id)
	return r
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("ll parallel"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %s", time.Since(m.start).Round(time.Second))))
	b.WriteString("\n\n")

	for _, id := range m.order {
		row := m.rows[id]
		b.WriteString(fmt.Sprintf("  %s %-12s %-10s %s\n",
			m.statusGlyph(row.status),
			row.id,
			m.statusLabel(row.status),
			dimStyle.Render(truncate(rowDetail(row), m.width-32))))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("  merged %d · closed %d · conflicts %d · failed %d",
		m.merged, m.closed, m.conflicts, m.failed)))
	if m.done {
		b.WriteString("\n" + doneStyle.Render("  run finished"))
	} else {
		b.WriteString(dimStyle.Render("  ·  q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) statusGlyph(s rowStatus) string {
	switch s {
	case statusRunning, statusMerging:
		return m.spinner.View()
	case statusMerged, statusClosed:
		return doneStyle.Render("✓")
	case statusConflict, statusFailed:
		return failStyle.Render("✗")
	default:
		return dimStyle.Render("·")
	}
}

func (m *Model) statusLabel(s rowStatus) string {
	switch s {
	case statusMerged, statusClosed:
		return doneStyle.Render(string(s))
	case statusConflict, statusFailed:
		return failStyle.Render(string(s))
	case statusRunning, statusMerging:
		return runningStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func rowDetail(r *issueRow) string {
	if r.status == statusFailed && r.detail != "" {
		return r.detail
	}
	return r.title
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
