// Package tui is a read-only dashboard over the orchestrator's event bus.
package tui

import (
	"log"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneHealth
	paneCount
)

// Options connects the dashboard's keys to the orchestrator.
type Options struct {
	RequestShutdown func()       // Called on q / ctrl+c; nil quits the TUI directly
	TogglePause     func() error // Called on p; nil disables the key
}

// busClosedMsg is delivered when the event bus shuts down.
type busClosedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	healthPane  HealthPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	opts        Options
	width       int
	height      int
	stopping    bool
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of the bus.
func New(eventBus *events.EventBus, opts Options) Model {
	return Model{
		agentPane:   NewAgentPaneModel(),
		healthPane:  NewHealthPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
		opts:        opts,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			if m.opts.RequestShutdown == nil || m.stopping {
				m.quitting = true
				return m, tea.Quit
			}
			// Stay up to show the shutdown; the stopped state quits.
			m.stopping = true
			m.opts.RequestShutdown()

		case KeyPause:
			if m.opts.TogglePause != nil {
				if err := m.opts.TogglePause(); err != nil {
					log.Printf("WARNING: failed to toggle pause: %v", err)
				}
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneHealth
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case events.Event:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)
		m.healthPane, cmd = m.healthPane.Update(msg)
		cmds = append(cmds, cmd)

		if s, ok := msg.(events.LoopStateEvent); ok && s.State == events.LoopStopped {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.healthPane.View())

	status := HelpView()
	switch {
	case m.stopping:
		status = StylePausedBanner.Render("STOPPING") + " " + status
	case m.healthPane.state == events.LoopPaused:
		status = StylePausedBanner.Render("PAUSED") + " " + status
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, status)
}

// computeLayout gives the task pane 65% of the width and the health pane the rest.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.healthPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneTasks)
	m.healthPane.SetFocused(m.focusedPane == PaneHealth)
}
