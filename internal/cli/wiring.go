package cli

import (
	"context"
	"fmt"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/control"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/worktree"
)

// openStore takes the instance lock next to the database and opens the store.
// The returned func closes the store and releases the lock.
func openStore(ctx context.Context, cfg *config.OrchestratorConfig) (*persistence.SQLiteStore, func(), error) {
	lock, err := control.AcquireInstanceLock(cfg.Orchestrator.DBPath + ".lock")
	if err != nil {
		return nil, nil, err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Orchestrator.DBPath)
	if err != nil {
		lock.Release()
		return nil, nil, fmt.Errorf("opening task store: %w", err)
	}

	return store, func() {
		store.Close()
		lock.Release()
	}, nil
}

// newSupervisor builds one launcher per configured agent.
func newSupervisor(cfg *config.OrchestratorConfig) (*backend.Supervisor, error) {
	var specs []backend.AgentSpec
	for _, name := range cfg.AgentNames() {
		agent := cfg.Agents[name]
		provider := cfg.Providers[agent.Provider]

		launcher, err := backend.NewLauncher(backend.LaunchConfig{
			Type:         provider.Type,
			Command:      provider.Command,
			Args:         provider.Args,
			Provider:     provider.LLMProvider,
			SystemPrompt: agent.SystemPrompt,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}

		specs = append(specs, backend.AgentSpec{
			Name:        name,
			Concurrency: agent.Concurrency,
			Model:       agent.Model,
			Launcher:    launcher,
		})
	}

	return backend.NewSupervisor(backend.SupervisorConfig{
		LogsDir:    cfg.Orchestrator.LogsDir,
		Agents:     specs,
		Classifier: newClassifier(cfg.Orchestrator),
	})
}

// newClassifier appends configured patterns to the defaults.
func newClassifier(o config.LoopConfig) completion.Classifier {
	if len(o.NetworkPatterns) == 0 && len(o.PermissionPatterns) == 0 {
		return completion.NewDefaultClassifier()
	}
	network := append(append([]string(nil), completion.DefaultNetworkPatterns...), o.NetworkPatterns...)
	permission := append(append([]string(nil), completion.DefaultPermissionPatterns...), o.PermissionPatterns...)
	return completion.NewPatternClassifier(network, permission)
}

// newWorktrees returns nil when worktrees are disabled.
func newWorktrees(ctx context.Context, o config.LoopConfig) (*worktree.Manager, error) {
	if !o.Worktrees.Enabled {
		return nil, nil
	}
	return worktree.NewManager(ctx, worktree.Config{
		RepoPath:   o.WorkDir,
		BaseBranch: o.Worktrees.BaseBranch,
		Dir:        o.Worktrees.Dir,
	})
}

func loopConfig(o config.LoopConfig) orchestrator.Config {
	return orchestrator.Config{
		Tick:           o.Tick.Duration,
		IdleInterval:   o.IdleInterval.Duration,
		CacheTTL:       o.CacheTTL.Duration,
		ShutdownGrace:  o.ShutdownGrace.Duration,
		PromptTemplate: o.PromptTemplate,
		WorkDir:        o.WorkDir,
	}
}
