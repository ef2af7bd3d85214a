package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/backend"
)

// NewRecoverCommand creates the recover command
func NewRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finalize runs left behind by a crashed orchestrator",
		Long: `Mark runs whose process is gone as abandoned and list the tasks that were
left in_progress without a live process. The run command does the same on
startup; recover does it without starting the loop.

Fails while another orchestrator holds the store.`,
		Args: cobra.NoArgs,
		RunE: recoverCommand,
	}

	cmd.Flags().Bool("reopen", false, "Reopen the failed tasks so they are picked up again")

	return cmd
}

func recoverCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	out := cmd.OutOrStdout()
	abandoned, err := store.CleanupOrphanedRuns(ctx, backend.IsProcessAlive)
	if err != nil {
		return fmt.Errorf("cleaning up orphaned runs: %w", err)
	}
	fmt.Fprintf(out, "%d orphaned run(s) marked abandoned\n", abandoned)

	failed, err := store.Failed(ctx, backend.IsProcessAlive, nil)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Fprintln(out, "No failed tasks.")
		return nil
	}

	reopen, _ := cmd.Flags().GetBool("reopen")
	for _, t := range failed {
		if !reopen {
			fmt.Fprintf(out, "%s %s %s\n", color.RedString("failed"), t.ID, t.Title)
			continue
		}
		if err := store.Reopen(ctx, t.ID); err != nil {
			return fmt.Errorf("reopening %s: %w", t.ID, err)
		}
		fmt.Fprintf(out, "%s %s %s\n", color.GreenString("reopened"), t.ID, t.Title)
	}
	return nil
}
