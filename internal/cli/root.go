// Package cli implements the autopilot command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/config"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for autopilot
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous task orchestrator for coding agents",
		Long: `Autopilot picks ready tasks from its task store, runs them on coding agent
CLIs (claude, codex, goose or any command) and retries, reviews or escalates
them depending on how each run ended.

Configuration is layered: built-in defaults, then ~/.autopilot/config.{json,yaml},
then .autopilot/config.{json,yaml} in the current directory.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Project config file (default: .autopilot/config.{json,yaml,yml})")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewRecoverCommand())
	cmd.AddCommand(NewAddCommand())
	cmd.AddCommand(NewLabelCommand())
	cmd.AddCommand(NewCloseCommand())
	cmd.AddCommand(NewPauseCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewConfigCommand())
	cmd.AddCommand(NewWorktreeCommand())

	return cmd
}

// loadConfig loads and validates the layered configuration, honoring --config.
func loadConfig(cmd *cobra.Command) (*config.OrchestratorConfig, error) {
	projectPath, _ := cmd.Flags().GetString("config")
	if projectPath == "" {
		projectPath = config.FindConfig(config.ProjectDirName)
	} else if _, err := os.Stat(projectPath); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	var globalPath string
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = config.FindConfig(filepath.Join(home, config.GlobalDirName))
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
