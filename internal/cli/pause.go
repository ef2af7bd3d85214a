package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/control"
)

// NewPauseCommand creates the pause command
func NewPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop picking up new tasks",
		Long: `Create the PAUSE file in the control directory. A running orchestrator stops
starting new runs; runs already in flight finish and are handled normally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := control.Pause(cfg.Orchestrator.ControlDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Paused")
			return nil
		},
	}
}

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume picking up tasks after a pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := control.Resume(cfg.Orchestrator.ControlDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resumed")
			return nil
		},
	}
}
