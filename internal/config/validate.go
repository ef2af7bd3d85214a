package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/scheduler"
)

// ConfigurationError reports an agent definition or routing that cannot be
// resolved. It is fatal for the spawn attempt that hit it, not for the loop.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

func cfgErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

var launcherTypes = map[string]bool{"claude": true, "codex": true, "goose": true, "command": true}

// Validate checks references between providers, agents, routing and review,
// and the loop settings.
func (c *OrchestratorConfig) Validate() error {
	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		if !launcherTypes[p.Type] {
			return cfgErr("providers."+name+".type", "unknown type %q", p.Type)
		}
		if p.Type == "command" && p.Command == "" {
			return cfgErr("providers."+name+".command", "required for command providers")
		}
	}

	if len(c.Agents) == 0 {
		return cfgErr("agents", "at least one agent is required")
	}
	for _, name := range c.AgentNames() {
		a := c.Agents[name]
		if _, ok := c.Providers[a.Provider]; !ok {
			return cfgErr("agents."+name+".provider", "unknown provider %q", a.Provider)
		}
		if a.Concurrency < 0 {
			return cfgErr("agents."+name+".concurrency", "must not be negative")
		}
		if a.MaxAttempts < 0 {
			return cfgErr("agents."+name+".max_attempts", "must not be negative")
		}
	}

	if c.Routing.Default != "" {
		if _, ok := c.Agents[c.Routing.Default]; !ok {
			return cfgErr("routing.default", "unknown agent %q", c.Routing.Default)
		}
	}
	for _, complexity := range sortedKeys(c.Routing.Complexity) {
		agent := c.Routing.Complexity[complexity]
		if _, ok := c.Agents[agent]; !ok {
			return cfgErr("routing.complexity."+complexity, "unknown agent %q", agent)
		}
	}

	if c.Review.Enabled {
		if _, ok := c.Agents[c.Review.Agent]; !ok {
			return cfgErr("review.agent", "unknown agent %q", c.Review.Agent)
		}
	}

	o := c.Orchestrator
	if o.DBPath == "" {
		return cfgErr("orchestrator.db_path", "required")
	}
	if o.LogsDir == "" {
		return cfgErr("orchestrator.logs_dir", "required")
	}
	if o.Tick.Duration <= 0 {
		return cfgErr("orchestrator.tick", "must be positive")
	}
	if o.ShutdownGrace.Duration < 0 {
		return cfgErr("orchestrator.shutdown_grace", "must not be negative")
	}
	if err := o.HealthPolicy().Validate(); err != nil {
		if errors.Is(err, health.ErrThresholds) {
			return cfgErr("orchestrator.health", "%v", err)
		}
		return cfgErr("orchestrator.backoff", "%v", err)
	}

	return nil
}

// AgentForComplexity resolves the agent for a task complexity: the routing
// entry, then the routing default, then the only agent if there is one.
func (c *OrchestratorConfig) AgentForComplexity(complexity scheduler.Complexity) (string, error) {
	if name, ok := c.Routing.Complexity[string(complexity)]; ok {
		if _, exists := c.Agents[name]; !exists {
			return "", cfgErr("routing.complexity."+string(complexity), "unknown agent %q", name)
		}
		return name, nil
	}
	if c.Routing.Default != "" {
		if _, exists := c.Agents[c.Routing.Default]; !exists {
			return "", cfgErr("routing.default", "unknown agent %q", c.Routing.Default)
		}
		return c.Routing.Default, nil
	}
	if len(c.Agents) == 1 {
		return c.AgentNames()[0], nil
	}
	return "", cfgErr("routing", "no agent for complexity %q", complexity)
}

// AgentMaxAttempts returns the number of runs a task gets on agent before
// it is escalated.
func (c *OrchestratorConfig) AgentMaxAttempts(name string) int {
	if a, ok := c.Agents[name]; ok && a.MaxAttempts > 0 {
		return a.MaxAttempts
	}
	return DefaultMaxAttempts
}

// AgentNames returns the configured agent names, sorted.
func (c *OrchestratorConfig) AgentNames() []string {
	return sortedKeys(c.Agents)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AgentModel returns the model configured for agent, or "".
func (c *OrchestratorConfig) AgentModel(name string) string {
	return c.Agents[name].Model
}

// HealthPolicy converts the backoff and threshold settings for the health tracker.
func (o LoopConfig) HealthPolicy() health.Policy {
	return health.Policy{
		InitialBackoff: o.Backoff.Initial.Duration,
		MaxBackoff:     o.Backoff.Max.Duration,
		Multiplier:     o.Backoff.Multiplier,
		WarningAt:      o.Health.WarningAt,
		DegradedAt:     o.Health.DegradedAt,
		UnhealthyAt:    o.Health.UnhealthyAt,
	}
}
