package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/specparse"
)

// fakeTmux's CapturePaneLines returns readyText for every target unless a
// target-specific override is present in panes, since Provision computes the
// session name (with its random suffix) internally and tests can't know it
// in advance.
type fakeTmux struct {
	sessions       map[string]bool
	windows        map[string][]string
	killed         []string
	panes          map[string]string
	readyText      string
	failNewSession bool
	failNewWindow  map[string]bool
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{
		sessions:      make(map[string]bool),
		windows:       make(map[string][]string),
		panes:         make(map[string]string),
		readyText:     "❯ ready for input",
		failNewWindow: make(map[string]bool),
	}
}

func (f *fakeTmux) HasSession(name string) (bool, error) { return f.sessions[name], nil }

func (f *fakeTmux) NewSessionWithCommandAndEnv(name, workDir, command string, env map[string]string) error {
	if f.failNewSession {
		return errors.New("tmux: new-session failed")
	}
	f.sessions[name] = true
	f.windows[name] = append(f.windows[name], command)
	return nil
}

func (f *fakeTmux) NewWindowWithCommandAndEnv(session, name, workDir, command string, env map[string]string) error {
	if f.failNewWindow[name] {
		return errors.New("tmux: new-window failed for " + name)
	}
	f.windows[session] = append(f.windows[session], command)
	return nil
}

func (f *fakeTmux) KillSessionWithProcesses(name string) error {
	f.killed = append(f.killed, name)
	delete(f.sessions, name)
	return nil
}

func (f *fakeTmux) CapturePaneLines(session string, n int) ([]string, error) {
	if text, ok := f.panes[session]; ok {
		return []string{text}, nil
	}
	return []string{f.readyText}, nil
}

func (f *fakeTmux) AcceptBypassPermissionsWarning(session string) error { return nil }

type fakeWorktree struct {
	root        string
	provisioned map[string]string
	failRole    string
	tornDown    []string
}

// newFakeWorktree roots provisioned worktrees under a real temp directory so
// Provision's callers (e.g. worktree.RecordStartingBranch) can write actual
// sentinel files into it, same as a real worktree.Manager would.
func newFakeWorktree() *fakeWorktree {
	root, err := os.MkdirTemp("", "lifecycle-fakewt")
	if err != nil {
		panic(err)
	}
	return &fakeWorktree{root: root, provisioned: make(map[string]string)}
}

func (f *fakeWorktree) RolePath(role string) string { return filepath.Join(f.root, role) }

func (f *fakeWorktree) Provision(role, branch, startPoint string) (string, int, error) {
	if role == f.failRole {
		return "", 0, errors.New("worktree: provision failed for " + role)
	}
	path := f.RolePath(role)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", 0, err
	}
	f.provisioned[role] = path
	return path, 1, nil
}

func (f *fakeWorktree) Teardown(role string) error {
	f.tornDown = append(f.tornDown, role)
	delete(f.provisioned, role)
	return nil
}

type fakeGit struct {
	branch string
	err    error
}

func (f *fakeGit) CurrentBranch() (string, error) { return f.branch, f.err }

type fakeSender struct {
	sent    []string
	failFor string
}

func (f *fakeSender) Send(target, from, message string) error {
	if f.failFor != "" && strings.Contains(target, f.failFor) {
		return errors.New("send: failed for " + target)
	}
	f.sent = append(f.sent, target)
	return nil
}

type fakeStore struct {
	mainSessionCalledBefore bool
	mainSession             string
	transitions             []model.ProjectStatus
	lastProject             *model.Project
	savedState              *model.SessionState
	tasks                   []model.ScheduledTask
	failSetMainSession      bool
	failSaveState           bool
	failEnqueueTaskFor      string
}

func (s *fakeStore) SetMainSession(id int64, session string) error {
	if s.failSetMainSession {
		return errors.New("store: set_main_session failed")
	}
	s.mainSessionCalledBefore = true
	s.mainSession = session
	return nil
}

func (s *fakeStore) TransitionProject(id int64, to model.ProjectStatus, mutate func(p *model.Project)) error {
	s.transitions = append(s.transitions, to)
	p := &model.Project{ID: id, Status: to}
	if mutate != nil {
		mutate(p)
	}
	s.lastProject = p
	return nil
}

func (s *fakeStore) SaveSessionState(st model.SessionState) error {
	if s.failSaveState {
		return errors.New("store: save_session_state failed")
	}
	s.savedState = &st
	return nil
}

func (s *fakeStore) EnqueueTask(t model.ScheduledTask) (int64, error) {
	if s.failEnqueueTaskFor != "" && t.Role == s.failEnqueueTaskFor {
		return 0, errors.New("store: enqueue_task failed for " + t.Role)
	}
	s.tasks = append(s.tasks, t)
	return int64(len(s.tasks)), nil
}

type fakeAuth struct {
	err error
}

func (f *fakeAuth) CheckAuth(preset *config.AgentPresetInfo) error { return f.err }

func newEngine(tmux *fakeTmux, wt *fakeWorktree, git *fakeGit, sender *fakeSender, st *fakeStore, auth *fakeAuth) *Engine {
	return &Engine{
		Tmux:     tmux,
		Worktree: wt,
		Git:      git,
		Sender:   sender,
		Store:    st,
		Auth:     auth,
		Cfg:      config.Config{HealthCheckIntervalSeconds: 1200},
	}
}

const testSpec = "```team\nroles:\n  - role: project-manager\n  - role: developer\n```\n"

func newRequest() Request {
	return Request{
		Project:      &model.Project{ID: 7, Status: model.ProjectProcessing},
		SpecMarkdown: testSpec,
		ProjectName:  "Checkout Redesign",
		AgentPreset:  config.AgentClaude,
	}
}

func TestProvisionSucceedsAndPopulatesEverything(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})

	res, err := eng.Provision(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if res.SessionName == "" {
		t.Fatalf("expected non-empty session name")
	}
	if !strings.Contains(res.SessionName, "checkout-redesign-impl-") {
		t.Errorf("session name %q missing expected stem/suffix shape", res.SessionName)
	}
	if !st.mainSessionCalledBefore {
		t.Fatalf("expected SetMainSession to be called")
	}
	if st.mainSession != res.SessionName {
		t.Errorf("store main session %q != result session %q", st.mainSession, res.SessionName)
	}
	if len(res.WorktreeOf) != 2 {
		t.Errorf("expected 2 worktrees, got %d", len(res.WorktreeOf))
	}
	if st.savedState == nil {
		t.Fatalf("expected SaveSessionState to be called")
	}
	if len(st.savedState.Agents) != 2 {
		t.Errorf("expected 2 agents in session state, got %d", len(st.savedState.Agents))
	}
	// One check-in task per role plus the orchestrator self-check-in.
	if len(st.tasks) != 3 {
		t.Errorf("expected 3 scheduled tasks, got %d", len(st.tasks))
	}
	if len(st.transitions) != 0 {
		t.Errorf("success path should never call TransitionProject, got %v", st.transitions)
	}
	if len(sender.sent) != 2 {
		t.Errorf("expected one briefing delivered per role, got %v", sender.sent)
	}
}

func TestProvisionFailsAuthCheck(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{}
	auth := &fakeAuth{err: errors.New("not logged in")}

	eng := newEngine(tmux, wt, git, sender, st, auth)
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected auth failure")
	}
	if len(st.transitions) != 1 || st.transitions[0] != model.ProjectFailed {
		t.Fatalf("expected a single FAILED transition, got %v", st.transitions)
	}
	if st.lastProject.FailedComponents != "auth" {
		t.Errorf("expected failed component 'auth', got %q", st.lastProject.FailedComponents)
	}
	if st.mainSessionCalledBefore {
		t.Errorf("SetMainSession should never be called when auth fails first")
	}
	if len(tmux.killed) != 0 {
		t.Errorf("auth failure happens before any session exists, nothing should be killed")
	}
}

func TestProvisionFailsWorktreeAndCleansUp(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	wt.failRole = "developer"
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected worktree failure")
	}
	if st.lastProject.FailedComponents != "worktree" {
		t.Errorf("expected failed component 'worktree', got %q", st.lastProject.FailedComponents)
	}
	if !st.mainSessionCalledBefore {
		t.Errorf("SetMainSession should be reserved before worktree provisioning begins")
	}
	if len(tmux.killed) != 1 {
		t.Fatalf("expected the reserved session to be killed during cleanup, killed=%v", tmux.killed)
	}
	// project-manager (the first role) was provisioned before developer failed,
	// so its worktree must be torn down too.
	found := false
	for _, r := range wt.tornDown {
		if r == "project-manager" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected project-manager worktree to be torn down, got %v", wt.tornDown)
	}
}

func TestProvisionFailsTmuxWindowAndCleansUp(t *testing.T) {
	tmux := newFakeTmux()
	tmux.failNewWindow["developer"] = true
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected tmux window failure")
	}
	if !strings.HasPrefix(st.lastProject.FailedComponents, "agent_startup:developer") {
		t.Errorf("expected failed component to name the role, got %q", st.lastProject.FailedComponents)
	}
	if len(wt.tornDown) != 2 {
		t.Errorf("expected both worktrees torn down, got %v", wt.tornDown)
	}
}

func TestProvisionFailsGitBranchLookup(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{err: errors.New("not a git repository")}
	sender := &fakeSender{}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected git branch failure")
	}
	if st.lastProject.FailedComponents != "git_branch" {
		t.Errorf("expected failed component 'git_branch', got %q", st.lastProject.FailedComponents)
	}
	if !st.mainSessionCalledBefore {
		t.Errorf("session name must be reserved before the branch lookup per step ordering")
	}
	if len(tmux.killed) != 1 {
		t.Errorf("expected the reserved session to be killed even though it was never created, killed=%v", tmux.killed)
	}
}

func TestProvisionFailsReadyWait(t *testing.T) {
	tmux := newFakeTmux()
	tmux.readyText = "still booting"
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	eng.ReadyTimeout = 0
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	_, err := eng.Provision(ctx, newRequest())
	if err == nil {
		t.Fatalf("expected ready-wait failure")
	}
	if !strings.HasPrefix(st.lastProject.FailedComponents, "ready_wait:") {
		t.Errorf("expected failed component to start with ready_wait:, got %q", st.lastProject.FailedComponents)
	}
	if len(wt.tornDown) != 2 {
		t.Errorf("expected both worktrees torn down, got %v", wt.tornDown)
	}
}

func TestProvisionFailsBriefingAndCleansUp(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	// project-manager is window 0, briefed first; targets are "session:0".
	sender := &fakeSender{failFor: ":0"}
	st := &fakeStore{}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected briefing failure")
	}
	if !strings.HasPrefix(st.lastProject.FailedComponents, "briefing:") {
		t.Errorf("expected failed component to start with briefing:, got %q", st.lastProject.FailedComponents)
	}
}

func TestProvisionFailsSessionStateSave(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{failSaveState: true}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected session-state save failure")
	}
	if st.lastProject.FailedComponents != "session_state" {
		t.Errorf("expected failed component 'session_state', got %q", st.lastProject.FailedComponents)
	}
}

func TestProvisionFailsTaskScheduling(t *testing.T) {
	tmux := newFakeTmux()
	wt := newFakeWorktree()
	git := &fakeGit{branch: "main"}
	sender := &fakeSender{}
	st := &fakeStore{failEnqueueTaskFor: "developer"}

	eng := newEngine(tmux, wt, git, sender, st, &fakeAuth{})
	_, err := eng.Provision(context.Background(), newRequest())
	if err == nil {
		t.Fatalf("expected task scheduling failure")
	}
	if !strings.HasPrefix(st.lastProject.FailedComponents, "schedule:") {
		t.Errorf("expected failed component to start with schedule:, got %q", st.lastProject.FailedComponents)
	}
}

func TestSessionNameSanitizesAndSuffixes(t *testing.T) {
	name := sessionName("Checkout Redesign! v2")
	if !strings.HasPrefix(name, "checkout-redesign--v2-impl-") {
		t.Errorf("unexpected session name shape: %q", name)
	}
	other := sessionName("Checkout Redesign! v2")
	if name == other {
		t.Errorf("expected distinct suffixes across calls, got %q twice", name)
	}
}

func TestHubOfPrefersProjectManager(t *testing.T) {
	team := specparse.ResolveTeam(testSpec, "")
	role, window := hubOf(team)
	if role != "project-manager" {
		t.Errorf("expected project-manager as hub, got %q", role)
	}
	if window != 0 {
		t.Errorf("expected project-manager at window 0, got %d", window)
	}
}

func TestHubOfFallsBackToFirstRoleWhenNoProjectManager(t *testing.T) {
	team := specparse.ResolveTeam("```team\nroles:\n  - role: developer\n  - role: tester\n```\n", "")
	role, _ := hubOf(team)
	if role != "developer" {
		t.Errorf("expected first role as fallback hub, got %q", role)
	}
}

func TestPeersOfExcludesSelf(t *testing.T) {
	team := specparse.ResolveTeam(testSpec, "")
	peers := peersOf(team, "developer")
	if len(peers) != 1 || peers[0].Role != "project-manager" {
		t.Errorf("expected only project-manager as developer's peer, got %v", peers)
	}
}

func TestCheckerFuncQualifiesWindowTarget(t *testing.T) {
	tmux := newFakeTmux()
	tmux.panes["sess:3"] = "ready for input"
	cf := checkerFunc(tmux.CapturePaneLines)
	out, err := cf.CapturePaneLines("sess", 3, 5)
	if err != nil {
		t.Fatalf("CapturePaneLines: %v", err)
	}
	if !strings.Contains(out, "ready for input") {
		t.Errorf("expected pane text to surface through window-qualified target, got %q", out)
	}
}

func TestCheckerFuncQualifiesWindowTargetForZero(t *testing.T) {
	// A bare "session" target addresses tmux's currently active window, which
	// after provisioning is whichever role's window was created last, not
	// window 0 — so window 0 must still be addressed as "session:0".
	tmux := newFakeTmux()
	tmux.panes["sess"] = "text for the active window, not window 0"
	tmux.panes["sess:0"] = "text for window 0"
	cf := checkerFunc(tmux.CapturePaneLines)
	out, err := cf.CapturePaneLines("sess", 0, 5)
	if err != nil {
		t.Fatalf("CapturePaneLines: %v", err)
	}
	if !strings.Contains(out, "text for window 0") {
		t.Errorf("expected window-0-qualified target, got %q", out)
	}
}
