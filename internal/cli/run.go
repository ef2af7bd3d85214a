package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/control"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/health"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/review"
	"github.com/aristath/autopilot/internal/tui"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop until interrupted",
		Long: `Run the orchestrator loop: pick the best ready task, start it on its agent,
and handle every finished run until SIGINT or SIGTERM.

Running tasks are terminated on shutdown and reopened on the next start.
Creating a PAUSE file in the control directory (autopilot pause) stops new
work from being picked up while running tasks finish.

The dashboard is shown when stdout is a terminal, unless --headless is set.`,
		Args: cobra.NoArgs,
		RunE: runCommand,
	}

	cmd.Flags().Bool("headless", false, "Log to stderr instead of showing the dashboard")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	headless, _ := cmd.Flags().GetBool("headless")
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Orchestrator.MetricsAddr = addr
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sup, err := newSupervisor(cfg)
	if err != nil {
		return err
	}
	stopSignals := sup.RegisterSignalHandlers()
	defer stopSignals()

	pause, err := control.NewPauseWatcher(cfg.Orchestrator.ControlDir)
	if err != nil {
		return err
	}
	defer pause.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	deps := orchestrator.Deps{
		Store:      store,
		Runs:       store,
		Agents:     cfg,
		Supervisor: sup,
		Health:     health.NewTracker(cfg.Orchestrator.HealthPolicy()),
		Bus:        bus,
		Metrics:    metrics.Nop,
		Pause:      pause,
	}
	if cfg.Review.Enabled {
		deps.Review = review.NewTaskReviewer(store, cfg.Review.Agent)
	}
	wt, err := newWorktrees(ctx, cfg.Orchestrator)
	if err != nil {
		return err
	}
	if wt != nil {
		deps.Workspaces = wt
	}
	if addr := cfg.Orchestrator.MetricsAddr; addr != "" {
		reg := prometheus.NewRegistry()
		exporter, err := metrics.NewExporter("autopilot", reg)
		if err != nil {
			return err
		}
		deps.Metrics = exporter
		go func() {
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				log.Printf("ERROR: metrics server on %s: %v", addr, err)
			}
		}()
	}

	orch, err := orchestrator.New(loopConfig(cfg.Orchestrator), deps)
	if err != nil {
		return err
	}

	if headless || !isatty.IsTerminal(os.Stdout.Fd()) {
		return orch.Run(ctx)
	}
	return runWithDashboard(ctx, cfg, orch, bus, sup.RequestShutdown)
}

// runWithDashboard runs the loop in the background and the TUI in the
// foreground. Logs go to a file so they don't tear the screen.
func runWithDashboard(ctx context.Context, cfg *config.OrchestratorConfig, orch *orchestrator.Orchestrator, bus *events.EventBus, requestShutdown func()) error {
	logPath := filepath.Join(cfg.Orchestrator.LogsDir, "autopilot.log")
	if err := os.MkdirAll(cfg.Orchestrator.LogsDir, 0755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)
	defer log.SetOutput(os.Stderr)

	controlDir := cfg.Orchestrator.ControlDir

	// Subscribe before the loop publishes its first state.
	model := tui.New(bus, tui.Options{
		RequestShutdown: requestShutdown,
		TogglePause: func() error {
			if control.IsPaused(controlDir) {
				return control.Resume(controlDir)
			}
			return control.Pause(controlDir)
		},
	})

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- orch.Run(ctx)
	}()

	_, tuiErr := tea.NewProgram(model, tea.WithAltScreen()).Run()

	// A second q quits the dashboard before the loop has stopped.
	requestShutdown()
	err = <-loopErr
	if tuiErr != nil {
		log.Printf("ERROR: dashboard: %v", tuiErr)
	}
	fmt.Fprintf(os.Stderr, "Shutdown complete (log: %s)\n", logPath)
	return err
}
