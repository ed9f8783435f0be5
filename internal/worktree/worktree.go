// Package worktree implements C4 Worktree Manager: per-role git worktrees
// under {parent}/{project-name}-tmux-worktrees/{role}/, provisioned by a
// strategy ladder that degrades gracefully instead of failing outright when
// a branch name collides (spec.md §4.4). Grounded on ztbrown-gastown's
// internal/git worktree functions plus its bare-clone layout conventions.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaycrew/conductor/internal/gitutil"
)

// startingBranchFile records the branch a project's main worktree was
// created from, so the Auto-Merge Runner (C11) knows the legal merge
// target even after the project's worktrees have been individually rebased.
const startingBranchFile = "STARTING_BRANCH"

// Git is the subset of gitutil.Git the Worktree Manager depends on,
// operated from the main repository's working directory: worktree
// subcommands take the new path as an argument rather than needing a
// separate Git handle per worktree.
type Git interface {
	BranchExists(name string) (bool, error)
	WorktreeAdd(path, branch string) error
	WorktreeAddExisting(path, branch string) error
	WorktreeAddExistingForce(path, branch string) error
	WorktreeAddDetached(path, ref string) error
	WorktreeRemove(path string, force bool) error
}

// dirtyChecker opens a fresh gitutil.Git rooted at an existing worktree path
// to check it for uncommitted changes — a separate concern from Git above,
// which always runs from the main repository root.
func dirtyChecker(path string) (bool, error) {
	return gitutil.New(path).HasUncommittedChanges()
}

// ErrAllStrategiesFailed is returned when even a detached worktree at HEAD
// could not be created — a condition serious enough that provisioning
// should abort rather than hand an agent a broken worktree.
var ErrAllStrategiesFailed = errors.New("worktree: all provisioning strategies failed")

// Manager provisions and tears down per-role worktrees for one project.
type Manager struct {
	git        Git
	reposRoot  string // parent directory holding {project}-tmux-worktrees/
	projectDir string // name used to compose the worktrees directory
}

// New returns a Manager rooted at reposRoot for the given project directory name.
func New(git Git, reposRoot, projectDir string) *Manager {
	return &Manager{git: git, reposRoot: reposRoot, projectDir: projectDir}
}

// worktreesRoot is {reposRoot}/{projectDir}-tmux-worktrees.
func (m *Manager) worktreesRoot() string {
	return filepath.Join(m.reposRoot, m.projectDir+"-tmux-worktrees")
}

// RolePath returns the worktree path for a given role.
func (m *Manager) RolePath(role string) string {
	return filepath.Join(m.worktreesRoot(), role)
}

// Provision creates a worktree for role on branch, trying each rung of the
// strategy ladder in turn:
//  1. new branch "{role}-{suffix}" from HEAD
//  2. if the branch name already exists elsewhere, force-retry checking out
//     that same branch (`git worktree add --force`)
//  3. if the path itself already has a clean worktree, reuse it; if dirty,
//     replace it (this check runs before rung 1)
//  4. detached worktree at startPoint as a last resort
//
// Returns the path actually used and which rung succeeded, for logging.
func (m *Manager) Provision(role, branch, startPoint string) (path string, rung int, err error) {
	path = m.RolePath(role)

	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		dirty, uErr := dirtyChecker(path)
		if uErr == nil {
			if !dirty {
				return path, 3, nil // rung 3: reuse clean existing worktree
			}
			if rmErr := m.git.WorktreeRemove(path, true); rmErr != nil {
				return "", 0, fmt.Errorf("replacing dirty worktree at %s: %w", path, rmErr)
			}
		}
	}

	exists, _ := m.git.BranchExists(branch)
	if !exists {
		if err := m.git.WorktreeAdd(path, branch); err == nil {
			return path, 1, nil // rung 1: fresh branch from HEAD
		}
	} else {
		if err := m.git.WorktreeAddExisting(path, branch); err == nil {
			return path, 1, nil
		}
		if err := m.git.WorktreeAddExistingForce(path, branch); err == nil {
			return path, 2, nil // rung 2: force-retry, branch checked out elsewhere
		}
	}

	if err := m.git.WorktreeAddDetached(path, startPoint); err == nil {
		return path, 4, nil // rung 4: detached HEAD, last resort
	}

	return "", 0, ErrAllStrategiesFailed
}

// RecordStartingBranch writes the STARTING_BRANCH sentinel so the Auto-Merge
// Runner knows the legal merge target for this project's main worktree even
// after per-role branches have diverged from each other.
func RecordStartingBranch(mainWorktreePath, branch string) error {
	return os.WriteFile(filepath.Join(mainWorktreePath, startingBranchFile), []byte(branch+"\n"), 0o644)
}

// ReadStartingBranch reads back the sentinel written by RecordStartingBranch.
func ReadStartingBranch(mainWorktreePath string) (string, error) {
	b, err := os.ReadFile(filepath.Join(mainWorktreePath, startingBranchFile))
	if err != nil {
		return "", err
	}
	branch := string(b)
	for len(branch) > 0 && (branch[len(branch)-1] == '\n' || branch[len(branch)-1] == '\r') {
		branch = branch[:len(branch)-1]
	}
	return branch, nil
}

// Teardown removes a role's worktree, forcing past any uncommitted changes.
// The Lifecycle Engine's failure path calls it for each worktree it created,
// just before marking the project FAILED.
func (m *Manager) Teardown(role string) error {
	return m.git.WorktreeRemove(m.RolePath(role), true)
}
