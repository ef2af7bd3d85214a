package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/control"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show tasks and their latest runs",
		Long: `Show every open task with its latest run, or the full run history of one task.

Tasks left in_progress without a live process are shown as failed; they need
a human to reopen or close them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusCommand,
	}

	cmd.Flags().Bool("all", false, "Include done and cancelled tasks")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Read-only, so no instance lock: status works next to a running loop.
	store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Orchestrator.DBPath)
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return printTaskHistory(cmd.Context(), out, store, args[0])
	}

	if control.IsPaused(cfg.Orchestrator.ControlDir) {
		fmt.Fprintln(out, color.New(color.FgYellow, color.Bold).Sprint("PAUSED")+" (autopilot resume to continue)")
	}

	all, _ := cmd.Flags().GetBool("all")
	return printTasks(cmd.Context(), out, store, all)
}

func printTasks(ctx context.Context, out io.Writer, store *persistence.SQLiteStore, all bool) error {
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tCOMPLEXITY\tLAST RUN\tTITLE")

	shown, failed := 0, 0
	for _, t := range tasks {
		if !all && t.Status.Closed() {
			continue
		}
		shown++

		state := string(t.Status)
		if isFailed(t) {
			state = "failed"
			failed++
		}

		lastRun := "-"
		run, err := store.GetLatestRun(ctx, t.ID)
		switch {
		case err == nil:
			lastRun = fmt.Sprintf("%s on %s, %s", run.Status, run.Agent, humanize.Time(run.StartedAt))
		case !errors.Is(err, persistence.ErrNotFound):
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", t.ID, colorStatus(state), t.Priority, t.Complexity, lastRun, t.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary := fmt.Sprintf("\n%s shown", humanize.Comma(int64(shown)))
	if failed > 0 {
		summary += ", " + color.New(color.FgRed).Sprintf("%d failed", failed)
	}
	fmt.Fprintln(out, summary)
	return nil
}

func printTaskHistory(ctx context.Context, out io.Writer, store *persistence.SQLiteStore, idOrPrefix string) error {
	t, err := store.Find(ctx, idOrPrefix)
	if err != nil {
		return err
	}

	state := string(t.Status)
	if isFailed(t) {
		state = "failed"
	}
	bold := color.New(color.Bold)
	fmt.Fprintf(out, "%s %s\n", bold.Sprint(t.ID), t.Title)
	fmt.Fprintf(out, "  status:     %s\n", colorStatus(state))
	fmt.Fprintf(out, "  priority:   %d  complexity: %s  size: %s\n", t.Priority, t.Complexity, t.Size)
	if t.Agent != "" {
		fmt.Fprintf(out, "  agent:      %s\n", t.Agent)
	}
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(out, "  blocked by: %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if len(t.Labels) > 0 {
		fmt.Fprintf(out, "  labels:     %s\n", strings.Join(t.Labels, ", "))
	}
	fmt.Fprintf(out, "  created:    %s\n", humanize.Time(t.CreatedAt))

	runs, err := store.ListRuns(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "\nNo runs yet.")
		return nil
	}

	var total float64
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAGENT\tSTATUS\tEXIT\tSTARTED\tDURATION\tCOST")
	for _, r := range runs {
		exit, duration := "-", "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		if r.Finished() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		total += r.Cost
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t$%.2f\n",
			shortID(r.ID), r.Agent, colorStatus(string(r.Status)), exit, humanize.Time(r.StartedAt), duration, r.Cost)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s run(s), $%.2f total\n", humanize.Comma(int64(len(runs))), total)
	return nil
}

// isFailed reports an in_progress task with no live process.
func isFailed(t *scheduler.Task) bool {
	return t.Status == scheduler.TaskInProgress && (t.ActivePID == 0 || !backend.IsProcessAlive(t.ActivePID))
}

func colorStatus(s string) string {
	switch s {
	case "done", "success":
		return color.GreenString(s)
	case "in_progress", "running", "review":
		return color.CyanString(s)
	case "failed", "permission_blocked", "abandoned":
		return color.RedString(s)
	case "network_error", "interrupted":
		return color.YellowString(s)
	default:
		return s
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
