// Package worktree gives each task its own git worktree so concurrent agents
// never share a checkout. A task's worktree survives retries and is merged
// into the base branch when the task is done.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager manages per-task git worktrees. It is not safe for concurrent use.
type Manager struct {
	cfg Config
}

// NewManager checks that RepoPath is a git repository and fills in defaults.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.RepoPath == "" {
		cfg.RepoPath = "."
	}
	m := &Manager{cfg: cfg}

	top, err := m.git(ctx, cfg.RepoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", cfg.RepoPath, err)
	}
	m.cfg.RepoPath = top

	if m.cfg.BaseBranch == "" {
		branch, err := m.git(ctx, top, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current branch: %w", err)
		}
		if branch == "HEAD" {
			return nil, errors.New("repository is in detached HEAD state; set a base branch")
		}
		m.cfg.BaseBranch = branch
	}
	if m.cfg.Dir == "" {
		m.cfg.Dir = filepath.Join(".autopilot", "worktrees")
	}
	if !filepath.IsAbs(m.cfg.Dir) {
		m.cfg.Dir = filepath.Join(top, m.cfg.Dir)
	}
	if m.cfg.BranchPrefix == "" {
		m.cfg.BranchPrefix = "autopilot/"
	}
	return m, nil
}

// BaseBranch returns the branch tasks land on.
func (m *Manager) BaseBranch() string {
	return m.cfg.BaseBranch
}

func (m *Manager) branch(taskID string) string {
	return m.cfg.BranchPrefix + taskID
}

func (m *Manager) path(taskID string) string {
	return filepath.Join(m.cfg.Dir, taskID)
}

// Ensure returns the task's worktree, creating it on first use. An existing
// task branch is checked out again, so work from earlier runs is kept.
func (m *Manager) Ensure(ctx context.Context, taskID string) (*Info, error) {
	wtPath := m.path(taskID)
	branch := m.branch(taskID)

	if _, err := os.Stat(filepath.Join(wtPath, ".git")); err != nil {
		args := []string{"worktree", "add", wtPath, branch}
		if !m.branchExists(ctx, branch) {
			args = []string{"worktree", "add", "-b", branch, wtPath, m.cfg.BaseBranch}
		}
		if _, err := m.git(ctx, m.cfg.RepoPath, args...); err != nil {
			return nil, fmt.Errorf("failed to create worktree for %s: %w", taskID, err)
		}
	}

	head, err := m.git(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return &Info{Path: wtPath, Branch: branch, TaskID: taskID, Head: head}, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.cfg.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Land commits whatever the agent left uncommitted, merges the task branch
// into the base branch and removes the worktree. A task without a worktree
// has nothing to land. Conflicts return a *ConflictError and change nothing
// in the base branch.
func (m *Manager) Land(ctx context.Context, taskID string) error {
	wtPath := m.path(taskID)
	branch := m.branch(taskID)
	if _, err := os.Stat(wtPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	status, err := m.git(ctx, wtPath, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status != "" {
		if _, err := m.git(ctx, wtPath, "add", "-A"); err != nil {
			return err
		}
		if _, err := m.git(ctx, wtPath, "commit", "-m", "autopilot: work on "+taskID); err != nil {
			return err
		}
	}

	if _, err := m.git(ctx, m.cfg.RepoPath, "checkout", m.cfg.BaseBranch); err != nil {
		return fmt.Errorf("failed to checkout base branch: %w", err)
	}

	// Dry run; merge-tree exits 1 on conflicts.
	out, err := m.git(ctx, m.cfg.RepoPath, "merge-tree", "--write-tree", "--name-only", m.cfg.BaseBranch, branch)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return &ConflictError{Branch: branch, Files: parseConflictFiles(out)}
	default:
		return fmt.Errorf("failed to check merge: %w", err)
	}

	if _, err := m.git(ctx, m.cfg.RepoPath, "merge", "--no-ff", "-m", "autopilot: land "+taskID, branch); err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	return m.Remove(ctx, taskID)
}

// parseConflictFiles extracts paths from "CONFLICT (content): Merge conflict in <file>" lines.
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CONFLICT") {
			continue
		}
		if i := strings.LastIndex(line, " in "); i >= 0 {
			conflicts = append(conflicts, strings.TrimSpace(line[i+len(" in "):]))
		}
	}
	return conflicts
}

// Remove deletes the task's worktree and branch, discarding unlanded work.
func (m *Manager) Remove(ctx context.Context, taskID string) error {
	var errs []error
	if _, err := os.Stat(m.path(taskID)); err == nil {
		if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", m.path(taskID)); err != nil {
			errs = append(errs, err)
		}
	}
	if m.branchExists(ctx, m.branch(taskID)) {
		if _, err := m.git(ctx, m.cfg.RepoPath, "branch", "-D", m.branch(taskID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns the task worktrees of the repository.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []Info
	var current Info
	flush := func() {
		if current.TaskID != "" {
			worktrees = append(worktrees, current)
		}
		current = Info{}
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.TaskID, _ = strings.CutPrefix(current.Branch, m.cfg.BranchPrefix)
			if current.TaskID == current.Branch {
				current.TaskID = ""
			}
		}
	}
	flush()
	return worktrees, nil
}

// Prune cleans up metadata of worktrees deleted by hand.
func (m *Manager) Prune(ctx context.Context) error {
	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

// git runs a git command in dir and returns its trimmed combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %w (output: %s)", args[0], err, out)
	}
	return out, nil
}
