package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
)

// HealthPaneModel shows the loop state, run counters and per-agent health.
type HealthPaneModel struct {
	state     events.LoopState
	active    int
	started   int
	succeeded int
	failed    int
	escalated int
	agents    map[string]health.Report
	width     int
	height    int
	focused   bool
}

// NewHealthPaneModel creates a new health pane model.
func NewHealthPaneModel() HealthPaneModel {
	return HealthPaneModel{
		state:  events.LoopRecovering,
		agents: make(map[string]health.Report),
	}
}

// Update handles messages for the health pane.
func (m HealthPaneModel) Update(msg tea.Msg) (HealthPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.LoopStateEvent:
		m.state = msg.State
		m.active = msg.Active

	case events.TaskSpawnedEvent:
		m.started++
		m.active++

	case events.TaskCompletedEvent:
		if msg.Outcome == completion.Success {
			m.succeeded++
		} else {
			m.failed++
		}
		m.active = max(0, m.active-1)

	case events.TaskEscalatedEvent:
		m.escalated++

	case events.AgentHealthEvent:
		m.agents[msg.Report.Agent] = msg.Report
	}

	return m, nil
}

// View renders the health pane.
func (m HealthPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Loop")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "State:     %s\n", loopStateStyle(m.state).Render(string(m.state)))
	fmt.Fprintf(&b, "Active:    %s\n", StyleStatusRunning.Render(fmt.Sprint(m.active)))
	fmt.Fprintf(&b, "Started:   %d\n", m.started)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.succeeded)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Escalated: %s\n", StyleStatusFailed.Render(fmt.Sprint(m.escalated)))

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Agents"))
	b.WriteString("\n\n")

	if len(m.agents) == 0 {
		b.WriteString(StyleStatusPending.Render("No runs yet"))
		b.WriteString("\n")
	}

	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := m.agents[name]
		rate := "-"
		if r.HasSuccessRate {
			rate = fmt.Sprintf("%.0f%%", r.SuccessRate*100)
		}
		line := fmt.Sprintf("%-12s %s  fails %d  rate %s", name, healthStyle(r.Status).Render(string(r.Status)), r.ConsecutiveFailures, rate)
		if r.BackoffSeconds > 0 {
			line += fmt.Sprintf("  backoff %ds", r.BackoffSeconds)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func healthStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return StyleStatusComplete
	case health.StatusWarning:
		return StyleStatusRunning
	case health.StatusDegraded:
		return StyleStatusDegraded
	default:
		return StyleStatusFailed
	}
}

func loopStateStyle(s events.LoopState) lipgloss.Style {
	switch s {
	case events.LoopRunning:
		return StyleStatusComplete
	case events.LoopPaused, events.LoopShuttingDown:
		return StyleStatusRunning
	default:
		return StyleStatusPending
	}
}

// SetSize updates the pane dimensions.
func (m *HealthPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *HealthPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
