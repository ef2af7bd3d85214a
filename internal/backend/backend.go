package backend

import (
	"fmt"
)

// Launcher builds the argv for an agent run and extracts metadata from its output.
type Launcher interface {
	// Binary returns the executable to resolve on PATH.
	Binary() string

	// Args returns the command-line arguments for an invocation.
	Args(inv Invocation) []string

	// ParseOutput extracts the session id and cost from captured stdout.
	// Unparseable output yields a zero RunOutput.
	ParseOutput(inv Invocation, stdout []byte) RunOutput
}

// NewLauncher creates a launcher based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate adapter.
func NewLauncher(cfg LaunchConfig) (Launcher, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeLauncher(cfg), nil
	case "codex":
		return NewCodexLauncher(cfg), nil
	case "goose":
		return NewGooseLauncher(cfg), nil
	case "command":
		return NewCommandLauncher(cfg)
	default:
		return nil, fmt.Errorf("unknown launcher type: %s", cfg.Type)
	}
}

func binaryOr(cfg LaunchConfig, fallback string) string {
	if cfg.Command != "" {
		return cfg.Command
	}
	return fallback
}
