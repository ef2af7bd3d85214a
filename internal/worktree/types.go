package worktree

import (
	"fmt"
	"strings"
)

// Config configures the worktree manager.
type Config struct {
	RepoPath     string // Git repository the worktrees belong to
	BaseBranch   string // Branch tasks start from and land on; defaults to the current branch
	Dir          string // Where worktrees are created; relative paths are under RepoPath (default ".autopilot/worktrees")
	BranchPrefix string // Prefix of task branches (default "autopilot/")
}

// Info describes a task's worktree.
type Info struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (e.g., "autopilot/t-1a2b3c4d")
	TaskID string
	Head   string // Current HEAD commit hash
}

// ConflictError is returned by Land when the task branch does not merge
// cleanly. The worktree and branch are left in place.
type ConflictError struct {
	Branch string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict landing %s", e.Branch)
	}
	return fmt.Sprintf("merge conflict landing %s in %s", e.Branch, strings.Join(e.Files, ", "))
}
