package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
)

var (
	complexities = []scheduler.Complexity{
		scheduler.ComplexityTrivial, scheduler.ComplexitySimple, scheduler.ComplexityModerate, scheduler.ComplexityComplex,
	}
	sizes = []scheduler.Size{scheduler.SizeXS, scheduler.SizeS, scheduler.SizeM, scheduler.SizeL, scheduler.SizeXL}
)

// NewAddCommand creates the add command
func NewAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task to the store",
		Long: `Add an open task. It is picked up once every task it is blocked by is done
or cancelled.

Examples:
  autopilot add "Fix flaky login test" --priority 1 --complexity simple
  autopilot add "Migrate config loader" --size l --blocked-by t-1a2b3c4d
  autopilot add "Update docs" --agent codex --label docs`,
		Args: cobra.ExactArgs(1),
		RunE: addCommand,
	}

	cmd.Flags().StringP("description", "d", "", "Task description given to the agent")
	cmd.Flags().IntP("priority", "p", 2, "Priority from 0 (most urgent) to 4")
	cmd.Flags().String("complexity", string(scheduler.ComplexityModerate), "trivial, simple, moderate or complex")
	cmd.Flags().String("size", string(scheduler.SizeM), "xs, s, m, l or xl")
	cmd.Flags().StringSlice("label", nil, "Labels (repeatable)")
	cmd.Flags().StringSlice("blocked-by", nil, "IDs of tasks this task waits on (repeatable)")
	cmd.Flags().String("agent", "", "Run on this agent instead of routing by complexity")

	return cmd
}

func addCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	draft := scheduler.TaskDraft{Title: args[0]}
	draft.Description, _ = cmd.Flags().GetString("description")
	draft.Priority, _ = cmd.Flags().GetInt("priority")
	complexity, _ := cmd.Flags().GetString("complexity")
	draft.Complexity = scheduler.Complexity(complexity)
	size, _ := cmd.Flags().GetString("size")
	draft.Size = scheduler.Size(size)
	draft.Labels, _ = cmd.Flags().GetStringSlice("label")
	draft.BlockedBy, _ = cmd.Flags().GetStringSlice("blocked-by")
	draft.Agent, _ = cmd.Flags().GetString("agent")

	if !slices.Contains(complexities, draft.Complexity) {
		return fmt.Errorf("unknown complexity %q", complexity)
	}
	if !slices.Contains(sizes, draft.Size) {
		return fmt.Errorf("unknown size %q", size)
	}
	if draft.Agent != "" {
		if _, ok := cfg.Agents[draft.Agent]; !ok {
			return fmt.Errorf("unknown agent %q", draft.Agent)
		}
	}

	store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Orchestrator.DBPath)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	// Blockers may be given by prefix.
	for i, id := range draft.BlockedBy {
		blocker, err := store.Find(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("blocker %s: %w", id, err)
		}
		draft.BlockedBy[i] = blocker.ID
	}

	task, err := store.Create(cmd.Context(), draft)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), task.ID)
	return nil
}

// NewLabelCommand creates the label command
func NewLabelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "label <task-id> <label>...",
		Short: "Add labels to a task",
		Long: `Add labels to a task. Reviewers use this to report a verdict:

  autopilot label <review-task> changes-requested

and follow-up work is linked to the reviewed task with follow-up:<task-id>.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateTask(cmd, args[0], scheduler.TaskUpdate{AddLabels: args[1:]})
		},
	}
}

// NewCloseCommand creates the close command
func NewCloseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <task-id>",
		Short: "Mark a task done or cancelled",
		Long: `Mark a task done, or cancelled with --cancel. Closing a task unblocks the
tasks waiting on it, e.g. tasks blocked on a configuration task.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := scheduler.TaskDone
			if cancel, _ := cmd.Flags().GetBool("cancel"); cancel {
				status = scheduler.TaskCancelled
			}
			return updateTask(cmd, args[0], scheduler.TaskUpdate{
				Status:    scheduler.StatusPtr(status),
				ActivePID: scheduler.IntPtr(0),
			})
		},
	}

	cmd.Flags().Bool("cancel", false, "Cancel instead of marking done")

	return cmd
}

func updateTask(cmd *cobra.Command, idOrPrefix string, u scheduler.TaskUpdate) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Orchestrator.DBPath)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	task, err := store.Find(cmd.Context(), idOrPrefix)
	if err != nil {
		return err
	}
	if err := store.Update(cmd.Context(), task.ID, u); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), task.ID)
	return nil
}
