package backend

// GooseLauncher runs the Goose CLI.
// Goose supports local LLM providers (Ollama, LM Studio, llama.cpp) via --provider and --model flags.
type GooseLauncher struct {
	binary       string
	provider     string
	systemPrompt string
}

// NewGooseLauncher creates a Goose launcher.
func NewGooseLauncher(cfg LaunchConfig) *GooseLauncher {
	return &GooseLauncher{
		binary:       binaryOr(cfg, "goose"),
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Binary implements Launcher.
func (l *GooseLauncher) Binary() string { return l.binary }

// Args implements Launcher. Goose sessions are named up front, so a resumed
// run reuses the previous name and a new run derives one from the run id.
func (l *GooseLauncher) Args(inv Invocation) []string {
	args := []string{"run", "--text", inv.Prompt, "--output-format", "json"}

	if inv.SessionID != "" {
		args = append(args, "--name", inv.SessionID, "--resume")
	} else {
		args = append(args, "--name", gooseSessionName(inv))
	}

	if l.provider != "" {
		args = append(args, "--provider", l.provider)
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if l.systemPrompt != "" {
		args = append(args, "--system", l.systemPrompt)
	}

	return args
}

// ParseOutput implements Launcher. The session name is known before the run
// starts; cost is read if the output carries it.
func (l *GooseLauncher) ParseOutput(inv Invocation, stdout []byte) RunOutput {
	out := parseResultObjects(stdout)
	if inv.SessionID != "" {
		out.SessionID = inv.SessionID
	} else {
		out.SessionID = gooseSessionName(inv)
	}
	return out
}

func gooseSessionName(inv Invocation) string {
	id := inv.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return "autopilot-" + id
}
