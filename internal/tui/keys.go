package tui

import "strings"

const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyPause    = "p"
)

var helpBindings = [][2]string{
	{"tab/1/2", "switch pane"},
	{"j/k", "select task"},
	{KeyPause, "pause/resume"},
	{KeyQuit, "stop (twice to force)"},
}

// HelpView renders the key bar shown under the panes.
func HelpView() string {
	parts := make([]string, len(helpBindings))
	for i, kb := range helpBindings {
		parts[i] = kb[0] + " " + kb[1]
	}
	return StyleHelp.Render(strings.Join(parts, " · "))
}
