// Package lifecycle implements C6 Lifecycle Engine: the end-to-end
// provisioning of a dequeued Project through worktrees, a tmux session with
// one window per role, agent CLI startup, briefing, and the initial
// check-in schedule (spec.md §4.6). Any step failure runs the compensating
// path — kill the session, remove every worktree it created (uncommitted
// changes in them included), mark the project
// FAILED with a component breakdown, and re-enqueue if attempts remain.
//
// Grounded on ztbrown-gastown's onboarding sequencing (create session/
// windows, launch agent, wait for ready, brief, schedule) spread across its
// polecat/mayor/boot packages, none of which were retrieved intact enough to
// adapt directly — this package composes the already-adapted C2–C5 pieces
// (messenger, tmuxctl, worktree, briefing, specparse) the same way those
// packages compose tmux subprocess calls: a thin coordinating layer with no
// business logic duplicated from the pieces it calls.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrew/conductor/internal/briefing"
	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/specparse"
	"github.com/relaycrew/conductor/internal/worktree"
)

// Tmux is the subset of tmuxctl.Controller the Lifecycle Engine depends on.
type Tmux interface {
	HasSession(name string) (bool, error)
	NewSessionWithCommandAndEnv(name, workDir, command string, env map[string]string) error
	NewWindowWithCommandAndEnv(session, name, workDir, command string, env map[string]string) error
	KillSessionWithProcesses(name string) error
	CapturePaneLines(session string, n int) ([]string, error)
	AcceptBypassPermissionsWarning(session string) error
}

// Worktree is the subset of worktree.Manager the Lifecycle Engine depends on.
type Worktree interface {
	RolePath(role string) string
	Provision(role, branch, startPoint string) (path string, rung int, err error)
	Teardown(role string) error
}

// Git is the subset of gitutil.Git the Lifecycle Engine depends on directly
// (worktree.Manager handles the rest internally).
type Git interface {
	CurrentBranch() (string, error)
}

// Sender delivers a briefing payload; satisfied by messenger.Messenger.
type Sender interface {
	Send(target, from, message string) error
}

// Store is the subset of store.Store the Lifecycle Engine depends on.
type Store interface {
	SetMainSession(id int64, session string) error
	TransitionProject(id int64, to model.ProjectStatus, mutate func(p *model.Project)) error
	SaveSessionState(st model.SessionState) error
	EnqueueTask(t model.ScheduledTask) (int64, error)
}

// AuthChecker verifies an agent CLI is already authenticated before
// provisioning commits to it — spec.md §4.6 step 1 is explicit that a
// missing/incomplete login must abort with a precise error, never attempt
// an automated login.
type AuthChecker interface {
	CheckAuth(preset *config.AgentPresetInfo) error
}

// ErrNotAuthenticated is returned by the default AuthChecker when an agent
// CLI's expected config directory is absent or empty.
var ErrNotAuthenticated = fmt.Errorf("lifecycle: agent CLI is not authenticated")

// FileAuthChecker is the default AuthChecker: it requires the preset's
// config directory to exist under the user's home directory, the simplest
// signal that the operator has already completed that CLI's own login flow.
// No example repo in the corpus implements a login-state probe (Gas Town
// defers entirely to the CLI's own first-run prompt), so this is a direct,
// stdlib-only implementation rather than an adaptation of teacher code.
type FileAuthChecker struct {
	HomeDir string
}

func (c FileAuthChecker) CheckAuth(preset *config.AgentPresetInfo) error {
	if preset == nil || preset.ConfigDir == "" {
		return nil // agent has no documented config convention; nothing to check
	}
	dir := c.HomeDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("%w: cannot resolve home directory: %v", ErrNotAuthenticated, err)
		}
		dir = home
	}
	path := filepath.Join(dir, preset.ConfigDir)
	entries, err := os.ReadDir(path)
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("%w: %s has no config at %s", ErrNotAuthenticated, preset.Name, path)
	}
	return nil
}

// Engine wires together the Lifecycle Engine's dependencies.
type Engine struct {
	Tmux      Tmux
	Worktree  Worktree
	Git       Git
	Sender    Sender
	Store     Store
	Auth      AuthChecker
	Cfg       config.Config
	ReposRoot string

	// ReadyTimeout bounds step 6's wait for each window's ready indicator.
	ReadyTimeout time.Duration
}

// Request carries everything needed to provision one dequeued project.
type Request struct {
	Project     *model.Project
	SpecMarkdown string
	ProjectName string // used for the worktrees directory and session stem
	Plan        specparse.PlanTier
	AgentPreset config.AgentPreset
}

// Result reports what got provisioned, for logging and SessionState.
type Result struct {
	SessionName string
	Team        specparse.Team
	WorktreeOf  map[string]string
}

// componentFailure names which step failed, for Project.FailedComponents
// (spec.md §4.6's "precise component breakdown").
type componentFailure struct {
	component string
	err       error
}

func (f *componentFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.component, f.err)
}

// Provision runs the full 10-step sequence. The caller (the Project Queue,
// C8) is responsible for the QUEUED->PROCESSING transition as part of the
// same transaction that dequeues the project — that transition is the only
// legal exit from QUEUED (model.CanTransition), and it must happen before
// any provisioning side effect so the single-PROCESSING invariant is
// enforced atomically with dequeue, not racing against it nine steps later.
// req.Project is therefore expected to already carry status PROCESSING;
// Provision's own failures transition PROCESSING->FAILED, which the graph
// does allow. On any failure Provision runs the compensating path itself
// before returning the error, so callers never need to clean up a partially
// provisioned project.
func (e *Engine) Provision(ctx context.Context, req Request) (*Result, error) {
	preset := config.GetAgentPreset(req.AgentPreset)
	if preset == nil {
		preset = config.GetAgentPreset(config.DefaultAgentPreset())
	}

	// Step 1: pre-flight auth check.
	if e.Auth != nil {
		if err := e.Auth.CheckAuth(preset); err != nil {
			return nil, e.fail(req.Project, "auth", err)
		}
	}

	// Step 2: resolve the team.
	team := specparse.ResolveTeam(req.SpecMarkdown, req.Plan)

	// Step 3: reserve the session name and persist it immediately.
	session := sessionName(req.ProjectName)
	if err := e.Store.SetMainSession(req.Project.ID, session); err != nil {
		return nil, e.fail(req.Project, "session_reserve", err)
	}

	startBranch, err := e.Git.CurrentBranch()
	if err != nil {
		return nil, e.failAndCleanup(req.Project, session, nil, "git_branch", err)
	}

	// Steps 4-5: a worktree per role, then a tmux window cwd'd to it running
	// the agent CLI directly — tmux's window-creation API takes cwd and an
	// initial command in the same call (the same combination
	// NewSessionWithCommandAndEnv already uses for the first window), so
	// these two spec steps collapse into one tmuxctl call per role.
	hubRole, hubWindow := hubOf(team)

	worktreeOf := make(map[string]string, len(team.Roles))
	for i, role := range team.Roles {
		branch := role.Branch
		if branch == "" {
			branch = fmt.Sprintf("%s-%s", startBranch, role.Role)
		}
		path, _, err := e.Worktree.Provision(role.Role, branch, startBranch)
		if err != nil {
			return nil, e.failAndCleanup(req.Project, session, worktreeOf, "worktree", err)
		}
		worktreeOf[role.Role] = path

		env := config.SessionEnv(config.SessionEnvConfig{
			Role:         role.Role,
			ProjectName:  req.ProjectName,
			WorktreePath: path,
		})
		cmd := preset.Command
		if len(preset.Args) > 0 {
			cmd = cmd + " " + strings.Join(preset.Args, " ")
		}

		if i == 0 {
			if err := e.Tmux.NewSessionWithCommandAndEnv(session, path, cmd, env); err != nil {
				return nil, e.failAndCleanup(req.Project, session, worktreeOf, "tmux_session", err)
			}
			continue
		}
		if err := e.Tmux.NewWindowWithCommandAndEnv(session, role.Role, path, cmd, env); err != nil {
			return nil, e.failAndCleanup(req.Project, session, worktreeOf, "agent_startup:"+role.Role, err)
		}
	}

	// Record the STARTING_BRANCH sentinel at the hub's worktree root so the
	// Auto-Merge Runner (C11) has a legal merge target once this project
	// completes, even after per-role branches have diverged from it.
	if hubPath, ok := worktreeOf[hubRole]; ok {
		if err := worktree.RecordStartingBranch(hubPath, startBranch); err != nil {
			return nil, e.failAndCleanup(req.Project, session, worktreeOf, "starting_branch_sentinel", err)
		}
	}

	// Step 6: wait for each window's ready indicator.
	indicator := preset.ReadyPromptPrefix
	if indicator != "" {
		for _, role := range team.Roles {
			waitCtx, cancelWait := ctx, context.CancelFunc(func() {})
			if e.ReadyTimeout > 0 {
				waitCtx, cancelWait = context.WithTimeout(ctx, e.ReadyTimeout)
			}
			err := briefing.WaitForReady(waitCtx, checkerFunc(e.Tmux.CapturePaneLines), e.Tmux, session, role.WindowIndex, indicator)
			cancelWait()
			if err != nil {
				return nil, e.failAndCleanup(req.Project, session, worktreeOf, "ready_wait:"+role.Role, err)
			}
		}
	}

	// Step 7: brief each role.
	for _, role := range team.Roles {
		info := briefing.Info{
			Role:           role.Role,
			WindowIndex:    role.WindowIndex,
			ProjectName:    req.ProjectName,
			WorktreePath:   worktreeOf[role.Role],
			Branch:         branchFor(role, startBranch),
			Peers:          peersOf(team, role.Role),
			CheckInMinutes: e.Cfg.HealthCheckIntervalSeconds / 60,
			IsHub:          role.Role == hubRole,
			HubRole:        hubRole,
			HubWindowIndex: hubWindow,
		}
		if info.CheckInMinutes <= 0 {
			info.CheckInMinutes = 20
		}
		if err := briefing.Deliver(ctx, checkerFunc(e.Tmux.CapturePaneLines), e.Tmux, e.Sender, session, "orchestrator", indicator, info); err != nil {
			return nil, e.failAndCleanup(req.Project, session, worktreeOf, "briefing:"+role.Role, err)
		}
	}

	// Step 8: register SessionState.
	agents := make(map[string]*model.AgentState, len(team.Roles))
	for _, role := range team.Roles {
		agents[role.Role] = &model.AgentState{
			Role:         role.Role,
			WindowIndex:  role.WindowIndex,
			WorktreePath: worktreeOf[role.Role],
			Branch:       branchFor(role, startBranch),
			IsAlive:      true,
		}
	}
	state := model.SessionState{
		ProjectName: req.ProjectName,
		SessionName: session,
		Agents:      agents,
	}
	if err := e.Store.SaveSessionState(state); err != nil {
		return nil, e.failAndCleanup(req.Project, session, worktreeOf, "session_state", err)
	}

	// Step 9: schedule initial check-ins, one per role plus the
	// orchestrator's own recurring self-check-in.
	now := time.Now().Unix()
	interval := e.Cfg.HealthCheckIntervalSeconds / 60
	if interval <= 0 {
		interval = 20
	}
	for _, role := range team.Roles {
		task := model.ScheduledTask{
			SessionName:     session,
			Role:            role.Role,
			WindowIndex:     role.WindowIndex,
			IntervalMinutes: interval,
			Note:            "check-in",
			NextRunEpoch:    now + int64(interval*60),
			DedupKey:        model.DedupKey(session, role.Role, "check-in"),
		}
		if _, err := e.Store.EnqueueTask(task); err != nil {
			return nil, e.failAndCleanup(req.Project, session, worktreeOf, "schedule:"+role.Role, err)
		}
	}
	selfCheck := model.ScheduledTask{
		SessionName:     session,
		Role:            "orchestrator",
		WindowIndex:     hubWindow,
		IntervalMinutes: interval,
		Note:            "self-check-in",
		NextRunEpoch:    now + int64(interval*60),
		DedupKey:        model.DedupKey(session, "orchestrator", "self-check-in"),
	}
	if _, err := e.Store.EnqueueTask(selfCheck); err != nil {
		return nil, e.failAndCleanup(req.Project, session, worktreeOf, "schedule:orchestrator", err)
	}

	// Step 10: the project is already PROCESSING (the Queue's job at
	// dequeue time); provisioning completing without error is itself the
	// fulfillment of this step, with nothing further to persist.
	return &Result{SessionName: session, Team: team, WorktreeOf: worktreeOf}, nil
}

// fail marks the project FAILED without any session/worktree cleanup —
// used for failures before anything was actually created.
func (e *Engine) fail(p *model.Project, component string, cause error) error {
	cf := &componentFailure{component: component, err: cause}
	_ = e.Store.TransitionProject(p.ID, model.ProjectFailed, func(proj *model.Project) {
		proj.ErrorMessage = cf.Error()
		proj.FailedComponents = component
		proj.Attempts++
	})
	return cf
}

// failAndCleanup runs the compensating path (spec.md §4.6): kill the
// session, release any worktrees that were created, then mark FAILED.
func (e *Engine) failAndCleanup(p *model.Project, session string, worktrees map[string]string, component string, cause error) error {
	if session != "" {
		_, _ = e.Tmux.HasSession(session)
		_ = e.Tmux.KillSessionWithProcesses(session)
	}
	for role := range worktrees {
		_ = e.Worktree.Teardown(role)
	}
	return e.fail(p, component, cause)
}

// sessionName derives a unique tmux session name from the project name and
// a short random suffix (spec.md §4.6 step 3).
func sessionName(projectName string) string {
	stem := strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, projectName))
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s-impl-%s", stem, suffix)
}

func hubOf(team specparse.Team) (role string, window int) {
	for _, r := range team.Roles {
		if r.Role == "project-manager" {
			return r.Role, r.WindowIndex
		}
	}
	if len(team.Roles) > 0 {
		return team.Roles[0].Role, team.Roles[0].WindowIndex
	}
	return "orchestrator", 0
}

func branchFor(role specparse.Role, startBranch string) string {
	if role.Branch != "" {
		return role.Branch
	}
	return fmt.Sprintf("%s-%s", startBranch, role.Role)
}

func peersOf(team specparse.Team, self string) []briefing.Peer {
	peers := make([]briefing.Peer, 0, len(team.Roles)-1)
	for _, r := range team.Roles {
		if r.Role == self {
			continue
		}
		peers = append(peers, briefing.Peer{Role: r.Role, WindowIndex: r.WindowIndex})
	}
	return peers
}

// checkerFunc adapts a CapturePaneLines-shaped func to briefing.ReadyChecker,
// joining tmuxctl's []string scrollback into the single string briefing
// expects to substring-search.
type checkerFunc func(session string, n int) ([]string, error)

func (f checkerFunc) CapturePaneLines(session string, windowIndex, lines int) (string, error) {
	// Always qualify with the window index, even 0: a bare "session" target
	// addresses tmux's currently active window, which is whichever window was
	// created last (tmux new-window switches the active window), not window 0.
	target := fmt.Sprintf("%s:%d", session, windowIndex)
	got, err := f(target, lines)
	if err != nil {
		return "", err
	}
	return strings.Join(got, "\n"), nil
}
