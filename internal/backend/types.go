package backend

// Invocation describes one agent run from the launcher's point of view.
type Invocation struct {
	RunID     string
	Prompt    string
	WorkDir   string
	Model     string
	SessionID string // Resume this session when the launcher supports it
}

// RunOutput is what a launcher could extract from a run's stdout.
type RunOutput struct {
	SessionID string
	Cost      float64
}

// LaunchConfig defines how an agent type is invoked.
type LaunchConfig struct {
	Type         string   // "claude", "codex", "goose" or "command"
	Command      string   // Binary name or path; defaults to Type for the built-in launchers
	Args         []string // Argument template for the "command" type
	Provider     string   // For Goose local LLMs (e.g., "ollama", "lmstudio", "llama.cpp")
	SystemPrompt string
}
