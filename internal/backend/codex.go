package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// CodexLauncher runs the Codex CLI non-interactively.
type CodexLauncher struct {
	binary string
}

// codexEvent covers the fields read from the newline-delimited event stream.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// NewCodexLauncher creates a Codex launcher.
func NewCodexLauncher(cfg LaunchConfig) *CodexLauncher {
	return &CodexLauncher{binary: binaryOr(cfg, "codex")}
}

// Binary implements Launcher.
func (l *CodexLauncher) Binary() string { return l.binary }

// Args implements Launcher.
// New thread: ["exec", prompt, "--json"]
// Resume: ["exec", "resume", threadID, prompt, "--json"]
func (l *CodexLauncher) Args(inv Invocation) []string {
	var args []string
	if inv.SessionID == "" {
		args = []string{"exec", inv.Prompt, "--json"}
	} else {
		args = []string{"exec", "resume", inv.SessionID, inv.Prompt, "--json"}
	}

	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}

	return args
}

// ParseOutput implements Launcher. Codex does not report cost.
func (l *CodexLauncher) ParseOutput(_ Invocation, stdout []byte) RunOutput {
	var out RunOutput

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "ThreadStarted", "thread.started":
			if evt.ThreadID != "" {
				out.SessionID = evt.ThreadID
			}
		}
	}

	return out
}
