package config

import "time"

// DefaultMaxAttempts is used for agents that don't set max_attempts.
const DefaultMaxAttempts = 3

// DefaultPromptTemplate is rendered with text/template against the task.
const DefaultPromptTemplate = `You are working on task {{.Task.ID}}: {{.Task.Title}}
{{- if .Task.Description}}

{{.Task.Description}}
{{- end}}
{{- if .Task.Labels}}

Labels: {{join .Task.Labels ", "}}
{{- end}}

Work in the current directory. Exit with status 0 when the task is complete.
If you cannot complete it, exit with a non-zero status and explain why.
`

// DefaultConfig returns the default configuration with built-in providers and agents.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"claude": {
				Provider:    "claude",
				Concurrency: 2,
				MaxAttempts: DefaultMaxAttempts,
			},
			"codex": {
				Provider:    "codex",
				Concurrency: 1,
				MaxAttempts: DefaultMaxAttempts,
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
				Concurrency:  1,
				MaxAttempts:  2,
			},
		},
		Routing: RoutingConfig{
			Default: "claude",
			Complexity: map[string]string{
				"trivial":  "codex",
				"simple":   "codex",
				"moderate": "claude",
				"complex":  "claude",
			},
		},
		Review: ReviewConfig{
			Enabled: false,
			Agent:   "reviewer",
		},
		Orchestrator: LoopConfig{
			DBPath:         ".autopilot/autopilot.db",
			LogsDir:        ".autopilot/logs",
			ControlDir:     ".autopilot",
			Tick:           D(500 * time.Millisecond),
			IdleInterval:   D(5 * time.Second),
			CacheTTL:       D(5 * time.Second),
			ShutdownGrace:  D(10 * time.Second),
			PromptTemplate: DefaultPromptTemplate,
			Backoff: BackoffConfig{
				Initial:    D(30 * time.Second),
				Max:        D(15 * time.Minute),
				Multiplier: 2,
			},
			Health: HealthConfig{
				WarningAt:   2,
				DegradedAt:  4,
				UnhealthyAt: 6,
			},
		},
	}
}
