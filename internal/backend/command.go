package backend

import (
	"errors"
	"strings"
)

// Placeholders substituted in "command" launcher arguments.
const (
	PromptPlaceholder  = "{{prompt}}"
	ModelPlaceholder   = "{{model}}"
	WorkDirPlaceholder = "{{workdir}}"
)

// CommandLauncher runs an arbitrary executable with an argument template.
type CommandLauncher struct {
	binary string
	args   []string
}

// NewCommandLauncher creates a generic launcher. cfg.Command is required.
func NewCommandLauncher(cfg LaunchConfig) (*CommandLauncher, error) {
	if cfg.Command == "" {
		return nil, errors.New("command launcher requires a command")
	}
	return &CommandLauncher{
		binary: cfg.Command,
		args:   append([]string(nil), cfg.Args...),
	}, nil
}

// Binary implements Launcher.
func (l *CommandLauncher) Binary() string { return l.binary }

// Args implements Launcher. The prompt is appended as the final argument
// when no argument references it.
func (l *CommandLauncher) Args(inv Invocation) []string {
	r := strings.NewReplacer(
		PromptPlaceholder, inv.Prompt,
		ModelPlaceholder, inv.Model,
		WorkDirPlaceholder, inv.WorkDir,
	)

	usesPrompt := false
	args := make([]string, 0, len(l.args)+1)
	for _, a := range l.args {
		if strings.Contains(a, PromptPlaceholder) {
			usesPrompt = true
		}
		args = append(args, r.Replace(a))
	}
	if !usesPrompt {
		args = append(args, inv.Prompt)
	}

	return args
}

// ParseOutput implements Launcher using the same JSON result convention as Claude.
func (l *CommandLauncher) ParseOutput(_ Invocation, stdout []byte) RunOutput {
	return parseResultObjects(stdout)
}
