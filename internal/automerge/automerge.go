// Package automerge implements the Auto-Merge Runner (C11): a periodic,
// singleton, batch-capped job that fast-forwards each role's worktree
// branch into a project's starting branch once the project has completed,
// tags and pushes on success, and restores from a backup branch on failure
// (spec.md §4.11). Grounded on internal/scheduler's flock-singleton idiom
// (ztbrown-gastown's internal/daemon.Daemon) and internal/gitutil's git
// subprocess wrapper.
package automerge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/worktree"
)

// ErrAlreadyRunning is returned by Run when another process already holds
// the singleton lock and its heartbeat is still fresh.
var ErrAlreadyRunning = errors.New("automerge: already running (lock held by another process)")

// perProjectTimeout and totalTimeout are spec.md §4.11's resource caps:
// 5 minutes per project (subprocess SIGKILL via gitutil.Git.WithContext on
// overrun) and 10 minutes for the whole batch.
const (
	perProjectTimeout = 5 * time.Minute
	totalTimeout      = 10 * time.Minute
)

// roleOrder is the deterministic merge order spec.md §4.11 step 3 mandates;
// any role not named here merges after these three, alphabetically.
var roleOrder = []string{"project-manager", "developer", "tester"}

// Git is the subset of gitutil.Git the runner needs, rooted at the
// project's primary (hub) worktree and already bound to the per-project
// deadline context.
type Git interface {
	BranchExists(name string) (bool, error)
	CreateBranchFrom(name, startPoint string) error
	FastForwardLocal(srcBranch, dstBranch string) error
	ForceUpdateLocal(srcBranch, dstBranch string) error
	TagAt(name, message, ref string) error
	Push(remote, ref string) error
}

// GitFactory builds a Git handle rooted at workDir and bound to ctx, so the
// underlying git subprocess is killed outright if ctx expires. In
// production this is `func(ctx context.Context, workDir string) automerge.Git
// { return gitutil.New(workDir).WithContext(ctx) }`.
type GitFactory func(ctx context.Context, workDir string) Git

// Store is the subset of store.Store the runner depends on.
type Store interface {
	ListCompletedUnmerged(limit int) ([]*model.Project, error)
	LoadSessionState(projectName string) (*model.SessionState, error)
	SetMergedStatus(id int64, status model.MergedStatus, mergedAt time.Time, errorMessage string) error
}

// Notifier is the narrow 3-argument shape the runner escalates merge
// failures through; notify.Narrow adapts the full notify.Notifier to this.
type Notifier interface {
	Notify(kind, subject, body string) error
}

// Runner implements C11.
type Runner struct {
	Store      Store
	NewGit     GitFactory
	Notifier   Notifier
	LockPath   string
	BatchCap   int
	Logger     *log.Logger
	staleAfter time.Duration
}

func (r *Runner) logger() *log.Logger {
	if r.Logger == nil {
		return log.New(os.Stderr, "automerge: ", log.LstdFlags)
	}
	return r.Logger
}

func (r *Runner) batchCap() int {
	if r.BatchCap > 0 {
		return r.BatchCap
	}
	return 5
}

func (r *Runner) staleAfterDuration() time.Duration {
	if r.staleAfter > 0 {
		return r.staleAfter
	}
	return 3 * totalTimeout
}

// Run acquires the singleton lock, loads up to BatchCap COMPLETED/unmerged
// projects, and attempts each in turn within the batch's 10-minute total
// budget. A project's own failure never aborts the batch; Run only returns
// an error if it never got to run at all (lock contention or listing the
// queue failed).
func (r *Runner) Run(ctx context.Context) error {
	fl, err := r.acquireSingleton()
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	batchCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	projects, err := r.Store.ListCompletedUnmerged(r.batchCap())
	if err != nil {
		return fmt.Errorf("listing completed unmerged projects: %w", err)
	}

	for i, p := range projects {
		select {
		case <-batchCtx.Done():
			r.logger().Printf("batch deadline reached with %d project(s) left unprocessed", len(projects)-i)
			return nil
		default:
		}
		projectCtx, projectCancel := context.WithTimeout(batchCtx, perProjectTimeout)
		if err := r.MergeProject(projectCtx, p); err != nil {
			r.logger().Printf("project=%d merge failed: %v", p.ID, err)
		}
		projectCancel()
	}
	return nil
}

// MergeProject implements spec.md §4.11 steps 1-5 for a single project.
func (r *Runner) MergeProject(ctx context.Context, p *model.Project) error {
	projectName := filepath.Base(p.ProjectPath)
	state, err := r.Store.LoadSessionState(projectName)
	if err != nil || state == nil {
		return fmt.Errorf("loading session state for project %d: %w", p.ID, err)
	}

	hub, ok := state.Agents["project-manager"]
	if !ok {
		return fmt.Errorf("project %d has no project-manager worktree to merge from", p.ID)
	}

	startBranch, err := worktree.ReadStartingBranch(hub.WorktreePath)
	if err != nil {
		return fmt.Errorf("reading starting branch sentinel: %w", err)
	}

	git := r.NewGit(ctx, hub.WorktreePath)

	backupBranch := fmt.Sprintf("%s-backup-%d", startBranch, time.Now().Unix())
	if err := git.CreateBranchFrom(backupBranch, startBranch); err != nil {
		return r.recordFailure(p, fmt.Sprintf("creating backup branch: %v", err))
	}

	for _, role := range mergeOrder(state) {
		agent := state.Agents[role]
		if agent.Branch == "" || agent.Branch == startBranch {
			continue
		}
		if err := git.FastForwardLocal(agent.Branch, startBranch); err != nil {
			restoreErr := git.ForceUpdateLocal(backupBranch, startBranch)
			msg := fmt.Sprintf("fast-forwarding %s (%s) into %s: %v", role, agent.Branch, startBranch, err)
			if restoreErr != nil {
				msg = fmt.Sprintf("%s (restore from backup also failed: %v)", msg, restoreErr)
			}
			return r.recordFailure(p, msg)
		}
	}

	tag := fmt.Sprintf("stable-%s-%s", projectName, time.Now().Format("200601021504"))
	if err := git.TagAt(tag, fmt.Sprintf("auto-merge: project %s", projectName), startBranch); err != nil {
		return r.recordFailure(p, fmt.Sprintf("tagging %s: %v", startBranch, err))
	}
	if err := git.Push("origin", startBranch); err != nil {
		return r.recordFailure(p, fmt.Sprintf("pushing %s: %v", startBranch, err))
	}
	if err := git.Push("origin", tag); err != nil {
		return r.recordFailure(p, fmt.Sprintf("pushing tag %s: %v", tag, err))
	}

	if err := r.Store.SetMergedStatus(p.ID, model.MergeDone, time.Now(), ""); err != nil {
		return fmt.Errorf("recording merge success for project %d: %w", p.ID, err)
	}
	return nil
}

// recordFailure sets merged_status=MERGE_FAILED with the triggering error
// and escalates through the Notifier, mirroring spec.md §4.11 step 5.
func (r *Runner) recordFailure(p *model.Project, reason string) error {
	if err := r.Store.SetMergedStatus(p.ID, model.MergeFailedStatus, time.Time{}, reason); err != nil {
		r.logger().Printf("recording merge failure for project %d: %v", p.ID, err)
	}
	if r.Notifier != nil {
		subject := fmt.Sprintf("auto-merge failed for project %d", p.ID)
		_ = r.Notifier.Notify("merge_failed", subject, reason)
	}
	return errors.New(reason)
}

// mergeOrder returns this project's roles in the deterministic order
// spec.md §4.11 step 3 requires: project-manager, developer, tester, then
// any remaining roles sorted alphabetically for determinism.
func mergeOrder(state *model.SessionState) []string {
	seen := make(map[string]bool, len(roleOrder))
	var ordered []string
	for _, role := range roleOrder {
		if _, ok := state.Agents[role]; ok {
			ordered = append(ordered, role)
			seen[role] = true
		}
	}
	var rest []string
	for role := range state.Agents {
		if !seen[role] {
			rest = append(rest, role)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// acquireSingleton mirrors scheduler.Engine's lock-plus-heartbeat protocol
// verbatim in shape (the two packages solve the same single-instance
// problem independently, with scheduler's own acquireSingleton unexported).
func (r *Runner) acquireSingleton() (*flock.Flock, error) {
	fl := flock.New(r.LockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring automerge lock: %w", err)
	}
	if locked {
		r.touchHeartbeat()
		return fl, nil
	}

	info, statErr := os.Stat(r.LockPath)
	if statErr == nil && time.Since(info.ModTime()) > r.staleAfterDuration() {
		_ = os.Remove(r.LockPath)
		fl = flock.New(r.LockPath)
		locked, err = fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring automerge lock after stale takeover: %w", err)
		}
		if locked {
			r.touchHeartbeat()
			return fl, nil
		}
	}
	return nil, ErrAlreadyRunning
}

func (r *Runner) touchHeartbeat() {
	now := time.Now()
	_ = os.Chtimes(r.LockPath, now, now)
}
