package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/completion"
	"github.com/aristath/autopilot/internal/scheduler"
)

// AgentSpec is a named agent the supervisor can launch.
type AgentSpec struct {
	Name        string
	Concurrency int
	Model       string
	Launcher    Launcher
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	LogsDir    string
	Agents     []AgentSpec
	Classifier completion.Classifier // Defaults to completion.NewDefaultClassifier()
	TailBytes  int64                 // Defaults to DefaultTailBytes
}

// SpawnRequest asks the supervisor to start one run.
type SpawnRequest struct {
	Task      *scheduler.Task
	Agent     string
	Prompt    string
	WorkDir   string
	RunID     string // Generated when empty
	SessionID string // Resume a previous agent session
}

// Supervisor launches agent processes, enforces per-agent concurrency and
// reaps finished runs. Only the orchestrator loop may call it, except for
// IsShuttingDown and RequestShutdown which are safe from any goroutine.
type Supervisor struct {
	agents     map[string]AgentSpec
	logsDir    string
	classifier completion.Classifier
	tailBytes  int64

	procs        []*ManagedProcess // Spawn order
	shuttingDown atomic.Bool

	lookPath func(string) (string, error)
	now      func() time.Time
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.LogsDir == "" {
		return nil, errors.New("logs directory is required")
	}

	agents := make(map[string]AgentSpec, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return nil, errors.New("agent name is required")
		}
		if a.Launcher == nil {
			return nil, fmt.Errorf("agent %q has no launcher", a.Name)
		}
		if a.Concurrency <= 0 {
			a.Concurrency = 1
		}
		agents[a.Name] = a
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = completion.NewDefaultClassifier()
	}
	tail := cfg.TailBytes
	if tail <= 0 {
		tail = DefaultTailBytes
	}

	return &Supervisor{
		agents:     agents,
		logsDir:    cfg.LogsDir,
		classifier: classifier,
		tailBytes:  tail,
		lookPath:   exec.LookPath,
		now:        time.Now,
	}, nil
}

// HasAgent reports whether an agent with that name is configured.
func (s *Supervisor) HasAgent(name string) bool {
	_, ok := s.agents[name]
	return ok
}

// CanSpawn reports whether agent has a free concurrency slot.
func (s *Supervisor) CanSpawn(agent string) bool {
	spec, ok := s.agents[agent]
	if !ok {
		return false
	}
	return s.ActiveCountFor(agent) < spec.Concurrency
}

// Spawn starts a run in its own process group with stdout and stderr written
// to per-run files under the logs directory.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*ManagedProcess, error) {
	taskID := ""
	if req.Task != nil {
		taskID = req.Task.ID
	}
	fail := func(reason SpawnReason, err error) (*ManagedProcess, error) {
		return nil, &SpawnError{Reason: reason, Agent: req.Agent, TaskID: taskID, Err: err}
	}

	if req.Task == nil {
		return fail(ReasonStartFailed, errors.New("no task"))
	}
	if err := ctx.Err(); err != nil {
		return fail(ReasonStartFailed, err)
	}
	spec, ok := s.agents[req.Agent]
	if !ok {
		return fail(ReasonUnknownAgent, nil)
	}
	if !s.CanSpawn(req.Agent) {
		return fail(ReasonAtCapacity, nil)
	}

	path, err := s.lookPath(spec.Launcher.Binary())
	if err != nil {
		return fail(ReasonBinaryNotFound, err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	inv := Invocation{
		RunID:     runID,
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
		Model:     spec.Model,
		SessionID: req.SessionID,
	}

	if err := os.MkdirAll(s.logsDir, 0o755); err != nil {
		return fail(ReasonStartFailed, fmt.Errorf("failed to create logs directory: %w", err))
	}
	base := filepath.Join(s.logsDir, fmt.Sprintf("%s-%s", taskID, shortID(runID)))
	stdoutPath, stderrPath := base+".stdout.log", base+".stderr.log"

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return fail(ReasonStartFailed, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		os.Remove(stdoutPath)
		return fail(ReasonStartFailed, err)
	}
	defer stderr.Close()

	cmd := newCommand(path, spec.Launcher.Args(inv)...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		os.Remove(stdoutPath)
		os.Remove(stderrPath)
		return fail(ReasonStartFailed, err)
	}

	p := &ManagedProcess{
		TaskID:     taskID,
		RunID:      runID,
		Agent:      req.Agent,
		PID:        cmd.Process.Pid,
		StartedAt:  s.now(),
		SessionID:  req.SessionID,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		cmd:        cmd,
		invocation: inv,
		launcher:   spec.Launcher,
		done:       make(chan struct{}),
	}
	go p.wait(s.now)

	s.procs = append(s.procs, p)
	return p, nil
}

// Poll reaps every process that has exited since the last call and returns
// one classified result per process, in spawn order. It never blocks.
func (s *Supervisor) Poll() []completion.Result {
	var results []completion.Result
	live := s.procs[:0]

	for _, p := range s.procs {
		if !p.Exited() {
			live = append(live, p)
			continue
		}
		results = append(results, s.collect(p))
	}

	// Clear the tail so reaped processes can be collected.
	for i := len(live); i < len(s.procs); i++ {
		s.procs[i] = nil
	}
	s.procs = live

	return results
}

func (s *Supervisor) collect(p *ManagedProcess) completion.Result {
	stdout, err := readTail(p.StdoutPath, s.tailBytes)
	if err != nil {
		log.Printf("WARNING: failed to read stdout of run %s: %v", p.RunID, err)
	}
	stderr, err := readTail(p.StderrPath, s.tailBytes)
	if err != nil {
		log.Printf("WARNING: failed to read stderr of run %s: %v", p.RunID, err)
	}

	output := stdout
	if stderr != "" {
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		output += stderr
	}

	parsed := p.launcher.ParseOutput(p.invocation, []byte(stdout))
	sessionID := parsed.SessionID
	if sessionID == "" {
		sessionID = p.SessionID
	}

	return completion.Result{
		TaskID:     p.TaskID,
		RunID:      p.RunID,
		Agent:      p.Agent,
		PID:        p.PID,
		ExitCode:   p.exitCode,
		Type:       s.classifier.Classify(p.exitCode, output),
		SessionID:  sessionID,
		Cost:       parsed.Cost,
		Output:     output,
		OutputPath: p.StdoutPath,
		StartedAt:  p.StartedAt,
		Duration:   p.exitedAt.Sub(p.StartedAt),
	}
}

// ActiveProcesses returns a copy of the tracked processes in spawn order.
func (s *Supervisor) ActiveProcesses() []*ManagedProcess {
	return append([]*ManagedProcess(nil), s.procs...)
}

// ActiveCount returns the number of tracked processes.
func (s *Supervisor) ActiveCount() int {
	return len(s.procs)
}

// ActiveCountFor returns the number of tracked processes for agent.
func (s *Supervisor) ActiveCountFor(agent string) int {
	n := 0
	for _, p := range s.procs {
		if p.Agent == agent {
			n++
		}
	}
	return n
}

// TrackedPIDs returns the PIDs of all tracked processes.
func (s *Supervisor) TrackedPIDs() []int {
	pids := make([]int, 0, len(s.procs))
	for _, p := range s.procs {
		pids = append(pids, p.PID)
	}
	return pids
}

// RegisterSignalHandlers makes SIGINT and SIGTERM set the shutdown flag.
// The handler does nothing else. Call the returned func to unregister.
func (s *Supervisor) RegisterSignalHandlers() (stop func()) {
	sigCh := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case <-sigCh:
				s.shuttingDown.Store(true)
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(quit)
	}
}

// RequestShutdown sets the shutdown flag.
func (s *Supervisor) RequestShutdown() {
	s.shuttingDown.Store(true)
}

// IsShuttingDown reports whether shutdown was requested.
func (s *Supervisor) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Terminate sends SIGTERM to every tracked process group, waits up to grace
// for them to exit and SIGKILLs the survivors. Processes stay tracked so the
// caller can Poll their results.
func (s *Supervisor) Terminate(ctx context.Context, grace time.Duration) error {
	procs := s.ActiveProcesses()
	if len(procs) == 0 {
		return nil
	}

	for _, p := range procs {
		if p.Exited() {
			continue
		}
		if err := signalGroup(p.PID, syscall.SIGTERM); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	g, gctx := errgroup.WithContext(graceCtx)
	for _, p := range procs {
		g.Go(func() error {
			select {
			case <-p.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if g.Wait() == nil {
		return nil
	}

	var errs []error
	for _, p := range procs {
		if p.Exited() {
			continue
		}
		log.Printf("WARNING: run %s (pid %d) ignored SIGTERM, killing", p.RunID, p.PID)
		if err := signalGroup(p.PID, syscall.SIGKILL); err != nil {
			errs = append(errs, err)
			continue
		}
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			errs = append(errs, fmt.Errorf("run %s (pid %d) did not exit after SIGKILL", p.RunID, p.PID))
		}
	}

	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
