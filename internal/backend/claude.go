package backend

import (
	"bytes"
	"encoding/json"
)

// ClaudeLauncher runs the Claude Code CLI in print mode.
type ClaudeLauncher struct {
	binary       string
	systemPrompt string
}

// claudeResult is the final JSON object printed with --output-format json.
// Example: {"type":"result","session_id":"uuid","total_cost_usd":0.12,"result":"..."}
type claudeResult struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      *float64 `json:"cost_usd"`
}

// NewClaudeLauncher creates a Claude Code launcher.
func NewClaudeLauncher(cfg LaunchConfig) *ClaudeLauncher {
	return &ClaudeLauncher{
		binary:       binaryOr(cfg, "claude"),
		systemPrompt: cfg.SystemPrompt,
	}
}

// Binary implements Launcher.
func (l *ClaudeLauncher) Binary() string { return l.binary }

// Args implements Launcher.
func (l *ClaudeLauncher) Args(inv Invocation) []string {
	args := []string{"-p", inv.Prompt, "--output-format", "json"}

	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if l.systemPrompt != "" {
		args = append(args, "--append-system-prompt", l.systemPrompt)
	}

	return args
}

// ParseOutput implements Launcher. Stdout may hold several JSON values; the
// last one carrying a session id wins.
func (l *ClaudeLauncher) ParseOutput(_ Invocation, stdout []byte) RunOutput {
	return parseResultObjects(stdout)
}

// parseResultObjects scans a stream of JSON values and keeps the session id
// and cost of the last object that has them. Non-JSON noise ends the scan.
func parseResultObjects(data []byte) RunOutput {
	var out RunOutput

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var r claudeResult
		if err := dec.Decode(&r); err != nil {
			break
		}
		if r.SessionID != "" {
			out.SessionID = r.SessionID
		}
		switch {
		case r.TotalCostUSD != nil:
			out.Cost = *r.TotalCostUSD
		case r.CostUSD != nil:
			out.Cost = *r.CostUSD
		}
	}

	return out
}
