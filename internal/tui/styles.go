package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// ANSI 256 palette.
const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorHint    = lipgloss.Color("241")
	colorYellow  = lipgloss.Color("11")
	colorGreen   = lipgloss.Color("10")
	colorOrange  = lipgloss.Color("208")
	colorRed     = lipgloss.Color("9")
	colorOnLight = lipgloss.Color("0")
)

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorAccent)

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorMuted)
)

// Task and agent states
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	StyleStatusDegraded = lipgloss.NewStyle().Foreground(colorOrange).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHint)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(colorOnLight)

	// StylePausedBanner marks the status bar while the loop is paused or stopping.
	StylePausedBanner = lipgloss.NewStyle().
				Background(colorYellow).
				Foreground(colorOnLight).
				Bold(true).
				Padding(0, 1)
)
