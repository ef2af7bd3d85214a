package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/worktree"
)

// NewWorktreeCommand creates the worktree command group
func NewWorktreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and clean up task worktrees",
		Long: `With orchestrator.worktrees.enabled, every task runs in its own git worktree
on branch autopilot/<task-id>. Worktrees are merged and removed when their task
is done; tasks that fail, conflict or get cancelled leave theirs behind.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List task worktrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := worktreeManager(cmd)
			if err != nil {
				return err
			}
			list, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tBRANCH\tHEAD\tPATH")
			for _, wt := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", wt.TaskID, wt.Branch, shortID(wt.Head), wt.Path)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "land <task-id>",
		Short: "Merge a task's worktree into the base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := worktreeManager(cmd)
			if err != nil {
				return err
			}
			if err := m.Land(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Landed %s on %s\n", args[0], m.BaseBranch())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <task-id>",
		Short: "Delete a task's worktree and branch, discarding its work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := worktreeManager(cmd)
			if err != nil {
				return err
			}
			return m.Remove(cmd.Context(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Forget worktrees whose directories were deleted by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := worktreeManager(cmd)
			if err != nil {
				return err
			}
			return m.Prune(cmd.Context())
		},
	})

	return cmd
}

// worktreeManager builds a manager from the config even when worktrees are
// disabled, so leftovers can still be cleaned up.
func worktreeManager(cmd *cobra.Command) (*worktree.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	o := cfg.Orchestrator
	o.Worktrees.Enabled = true
	return newWorktrees(cmd.Context(), o)
}
