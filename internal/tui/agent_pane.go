package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/events"
)

// Run states shown in the list.
const (
	stateRunning   = "running"
	stateSucceeded = "succeeded"
	stateRetrying  = "retrying"
	stateFailed    = "failed"
	stateBlocked   = "blocked"
	stateReview    = "review"
	stateDone      = "done"
)

// TaskState is what the pane knows about one task, built from events.
type TaskState struct {
	TaskID    string
	Title     string
	Agent     string
	RunID     string
	Attempt   int
	State     string
	Log       []string
	StartTime time.Time
	Cost      float64
}

// AgentPaneModel lists tasks the loop has touched and shows the selected
// task's event log in a scrollable viewport.
type AgentPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSpawnedEvent:
		t := m.task(msg.ID)
		t.Title = msg.Title
		t.Agent = msg.Agent
		t.RunID = msg.RunID
		t.Attempt = msg.Attempt
		t.State = stateRunning
		t.StartTime = msg.Timestamp
		m.logf(t, msg.Timestamp, "started on %s (attempt %d, pid %d)", msg.Agent, msg.Attempt, msg.PID)

	case events.TaskCompletedEvent:
		t := m.task(msg.ID)
		t.Cost += msg.Cost
		t.State = stateFailed
		if msg.Outcome == completion.Success {
			t.State = stateSucceeded
		}
		m.logf(t, msg.Timestamp, "%s (exit %d) after %s", msg.Outcome, msg.ExitCode, msg.Duration.Round(time.Second))

	case events.TaskRetriedEvent:
		t := m.task(msg.ID)
		t.State = stateRetrying
		m.logf(t, msg.Timestamp, "reopened after %s (%d/%d)", msg.Reason, msg.Attempt, msg.MaxAttempts)

	case events.TaskEscalatedEvent:
		t := m.task(msg.ID)
		if msg.Reason == events.EscalationNeedsConfiguration {
			t.State = stateBlocked
			m.logf(t, msg.Timestamp, "blocked on %s: %s needs configuration", msg.BlockerID, msg.Agent)
		} else {
			t.State = stateFailed
			m.logf(t, msg.Timestamp, "escalated: %s", msg.Reason)
		}

	case events.TaskAutoCompletedEvent:
		t := m.task(msg.ID)
		t.State = stateDone
		m.logf(t, msg.Timestamp, "auto-completed")

	case events.ReviewTriggeredEvent:
		t := m.task(msg.ID)
		t.State = stateReview
		m.logf(t, msg.Timestamp, "sent to review")

	case events.ReviewFinishedEvent:
		t := m.task(msg.ID)
		if msg.Passed {
			t.State = stateDone
			m.logf(t, msg.Timestamp, "review passed")
		} else {
			t.State = stateBlocked
			m.logf(t, msg.Timestamp, "review failed, follow-ups: %s", strings.Join(msg.FollowUps, ", "))
		}
	}

	return m, cmd
}

// task returns the state for id, adding it to the list on first sight.
func (m *AgentPaneModel) task(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Title: id}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return t
}

func (m *AgentPaneModel) logf(t *TaskState, at time.Time, format string, args ...any) {
	line := at.Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	t.Log = append(t.Log, line)
	if m.selectedTaskID() == t.TaskID {
		m.updateViewportContent()
	}
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := min(32, m.width/2)
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := t.Title
		if width > 9 && len(name) > width-6 {
			name = name[:width-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(t.State), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled indicator for a task state.
func StatusIcon(state string) string {
	switch state {
	case stateRunning:
		return StyleStatusRunning.Render("●")
	case stateSucceeded, stateDone:
		return StyleStatusComplete.Render("✓")
	case stateFailed:
		return StyleStatusFailed.Render("✗")
	case stateBlocked:
		return StyleStatusFailed.Render("⊘")
	case stateRetrying, stateReview:
		return StyleStatusRunning.Render("↻")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m AgentPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *AgentPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s\nagent %s  attempt %d  cost $%.2f\n\n", t.TaskID, t.Title, t.Agent, t.Attempt, t.Cost)
	m.viewport.SetContent(header + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	listWidth := min(32, m.width/2)
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
