package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTailBytes is how much of each output file Poll reads back.
const DefaultTailBytes = 64 * 1024

// ManagedProcess is a live agent run owned by the Supervisor until polled.
type ManagedProcess struct {
	TaskID     string
	RunID      string
	Agent      string
	PID        int
	StartedAt  time.Time
	SessionID  string
	StdoutPath string
	StderrPath string

	cmd        *exec.Cmd
	invocation Invocation
	launcher   Launcher
	done       chan struct{}
	exitCode   int
	exitedAt   time.Time
}

// Exited reports whether the process has been reaped.
func (p *ManagedProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has been reaped.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// wait reaps the process and records its exit code.
func (p *ManagedProcess) wait(now func() time.Time) {
	err := p.cmd.Wait()
	p.exitCode = exitCodeOf(p.cmd, err)
	p.exitedAt = now()
	close(p.done)
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag ensures the subprocess is in its own process group,
// allowing for clean termination of the entire subprocess tree.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// signalGroup sends sig to the whole process group led by pid.
// A group that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}

// IsProcessAlive reports whether a process with the given PID exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything. EPERM means the
	// process exists but belongs to another user.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// readTail returns at most max bytes from the end of the file at path.
// A missing file reads as empty.
func readTail(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > max {
		if _, err := f.Seek(info.Size()-max, io.SeekStart); err != nil {
			return "", err
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
