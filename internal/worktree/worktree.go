// Package worktree is the Worktree/Workspace Adapter: a contract-only
// boundary for creating and removing the git worktree backing a cell,
// per spec §2/§4.4. Workspace registry bookkeeping is out of scope
// (spec §1 non-goal); this package only creates/removes the working copy.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hiverun/hive/internal/hiveerr"
)

// Adapter creates and removes worktrees rooted at a cell's workspace path.
type Adapter interface {
	// Create materializes a worktree for cellID under workspaceRoot and
	// returns its absolute path, per spec §4.4 step 1
	// ("<workspaceRoot>/.hive/cells/<cellId>").
	Create(workspaceRoot, cellID string) (path string, err error)
	// Remove tears down the worktree at path.
	Remove(workspaceRoot, path string) error
}

// GitAdapter is the default Adapter, backed by `git worktree add/remove`
// against the repository rooted at workspaceRoot.
type GitAdapter struct {
	// BranchPrefix is prepended to the cell ID to name the new branch that
	// Create makes with `git worktree add -b`; worktrees are never detached.
	BranchPrefix string
}

// NewGitAdapter constructs a GitAdapter.
func NewGitAdapter() *GitAdapter {
	return &GitAdapter{BranchPrefix: "hive/"}
}

// CellPath returns the canonical worktree path for a cell, per spec
// §4.4's "<workspaceRoot>/.hive/cells/<cellId>" layout.
func CellPath(workspaceRoot, cellID string) string {
	return filepath.Join(workspaceRoot, ".hive", "cells", cellID)
}

// Create runs `git worktree add` for cellID, creating a new branch scoped
// to the cell.
func (a *GitAdapter) Create(workspaceRoot, cellID string) (string, error) {
	path := CellPath(workspaceRoot, cellID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	branch := a.BranchPrefix + cellID
	cmd := exec.Command("git", "worktree", "add", "-b", branch, path)
	cmd.Dir = workspaceRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", classifyGitError("create worktree", string(out), err)
	}
	return path, nil
}

// Remove runs `git worktree remove` for the worktree at path.
func (a *GitAdapter) Remove(workspaceRoot, path string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", path)
	cmd.Dir = workspaceRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyGitError("remove worktree", string(out), err)
	}
	return nil
}

// classifyGitError turns git's stderr text into a taxonomy error,
// following the teacher's stderr-substring classification idiom.
func classifyGitError(op, output string, cause error) error {
	switch {
	case containsSubstring(output, "already exists"):
		return hiveerr.AlreadyExists("worktree")
	case containsSubstring(output, "not a working tree") || containsSubstring(output, "is not a working tree"):
		return hiveerr.NotFound("worktree")
	default:
		return fmt.Errorf("%s: %w: %s", op, cause, output)
	}
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
