package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command     string   `json:"command" yaml:"command"`                               // CLI binary name or path
	Args        []string `json:"args,omitempty" yaml:"args,omitempty"`                 // Argument template for the "command" type
	Type        string   `json:"type" yaml:"type"`                                     // "claude", "codex", "goose" or "command"
	LLMProvider string   `json:"llm_provider,omitempty" yaml:"llm_provider,omitempty"` // Goose local LLM provider (e.g., "ollama")
}

// AgentConfig defines a named agent that uses a specific provider and model.
type AgentConfig struct {
	Provider     string `json:"provider" yaml:"provider"`                               // Key into Providers map
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`                 // Model override (e.g., "opus", "gpt-5")
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"` // Appended to the agent's system prompt
	Concurrency  int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`     // Max live processes; 0 means 1
	MaxAttempts  int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`   // Runs per task before escalation; 0 means the default
}

// RoutingConfig maps task complexity to an agent.
type RoutingConfig struct {
	Default    string            `json:"default,omitempty" yaml:"default,omitempty"`
	Complexity map[string]string `json:"complexity,omitempty" yaml:"complexity,omitempty"`
}

// ReviewConfig controls the review step after a successful run.
type ReviewConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Agent   string `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// BackoffConfig is the agent backoff curve.
type BackoffConfig struct {
	Initial    Duration `json:"initial" yaml:"initial"`
	Max        Duration `json:"max" yaml:"max"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
}

// HealthConfig holds the consecutive-failure thresholds for agent status.
type HealthConfig struct {
	WarningAt   int `json:"warning_at" yaml:"warning_at"`
	DegradedAt  int `json:"degraded_at" yaml:"degraded_at"`
	UnhealthyAt int `json:"unhealthy_at" yaml:"unhealthy_at"`
}

// WorktreeConfig gives every task its own git worktree under the work dir's repository.
type WorktreeConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	BaseBranch string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"` // Defaults to the current branch
	Dir        string `json:"dir,omitempty" yaml:"dir,omitempty"`                 // Defaults to .autopilot/worktrees
}

// LoopConfig holds orchestrator loop settings.
type LoopConfig struct {
	DBPath             string         `json:"db_path" yaml:"db_path"`
	LogsDir            string         `json:"logs_dir" yaml:"logs_dir"`
	ControlDir         string         `json:"control_dir" yaml:"control_dir"` // Watched for the PAUSE file
	WorkDir            string         `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Tick               Duration       `json:"tick" yaml:"tick"`
	IdleInterval       Duration       `json:"idle_interval" yaml:"idle_interval"`
	CacheTTL           Duration       `json:"cache_ttl" yaml:"cache_ttl"`
	ShutdownGrace      Duration       `json:"shutdown_grace" yaml:"shutdown_grace"`
	PromptTemplate     string         `json:"prompt_template" yaml:"prompt_template"`
	MetricsAddr        string         `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	Backoff            BackoffConfig  `json:"backoff" yaml:"backoff"`
	Health             HealthConfig   `json:"health" yaml:"health"`
	NetworkPatterns    []string       `json:"network_patterns,omitempty" yaml:"network_patterns,omitempty"`
	PermissionPatterns []string       `json:"permission_patterns,omitempty" yaml:"permission_patterns,omitempty"`
	Worktrees          WorktreeConfig `json:"worktrees" yaml:"worktrees"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers    map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Agents       map[string]AgentConfig    `json:"agents" yaml:"agents"`
	Routing      RoutingConfig             `json:"routing" yaml:"routing"`
	Review       ReviewConfig              `json:"review" yaml:"review"`
	Orchestrator LoopConfig                `json:"orchestrator" yaml:"orchestrator"`
}
