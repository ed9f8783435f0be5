package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/tmuxctl"
)

type fakeTmux struct {
	hasSession   map[string]bool
	sessions     []tmuxctl.SessionInfo
	paneCommand  map[string]string
	paneLines    map[string][]string
	runtimeAlive map[string]bool
	sentKeys     map[string]string
	entersSent   []string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{
		hasSession:   make(map[string]bool),
		paneCommand:  make(map[string]string),
		paneLines:    make(map[string][]string),
		runtimeAlive: make(map[string]bool),
		sentKeys:     make(map[string]string),
	}
}

func (f *fakeTmux) HasSession(name string) (bool, error) { return f.hasSession[name], nil }
func (f *fakeTmux) ListSessionsWithCreated() ([]tmuxctl.SessionInfo, error) { return f.sessions, nil }
func (f *fakeTmux) GetPaneCommand(session string) (string, error) {
	return f.paneCommand[session], nil
}
func (f *fakeTmux) CapturePaneLines(session string, n int) ([]string, error) {
	return f.paneLines[session], nil
}
func (f *fakeTmux) IsRuntimeRunning(session string, processNames []string) bool {
	return f.runtimeAlive[session]
}
func (f *fakeTmux) SendKeysLiteral(session, text string) error {
	f.sentKeys[session] = text
	return nil
}
func (f *fakeTmux) SendEnter(session string) error {
	f.entersSent = append(f.entersSent, session)
	return nil
}
func (f *fakeTmux) AcceptBypassPermissionsWarning(session string) error { return nil }

type fakeStore struct {
	processing []*model.Project
	queued     []*model.Project
	states     map[string]*model.SessionState
	savedState *model.SessionState
	mainSet    map[int64]string
	health     []model.AgentHealth
	latest     map[int64][]*model.AgentHealth
	deaths     int
	pending    []*model.Authorization
	resolved   map[int64]model.AuthorizationStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:  make(map[string]*model.SessionState),
		mainSet: make(map[int64]string),
		latest:  make(map[int64][]*model.AgentHealth),
	}
}

func (s *fakeStore) ListByStatus(status model.ProjectStatus) ([]*model.Project, error) {
	if status == model.ProjectProcessing {
		return s.processing, nil
	}
	return s.queued, nil
}
func (s *fakeStore) SetMainSession(id int64, session string) error {
	s.mainSet[id] = session
	return nil
}
func (s *fakeStore) LoadSessionState(projectName string) (*model.SessionState, error) {
	st, ok := s.states[projectName]
	if !ok {
		return nil, os.ErrNotExist
	}
	return st, nil
}
func (s *fakeStore) SaveSessionState(st model.SessionState) error {
	s.savedState = &st
	return nil
}
func (s *fakeStore) RecordHealth(h model.AgentHealth) (int64, error) {
	s.health = append(s.health, h)
	return int64(len(s.health)), nil
}
func (s *fakeStore) LatestHealthByProject(projectID int64) ([]*model.AgentHealth, error) {
	return s.latest[projectID], nil
}
func (s *fakeStore) CountDeathsSince(since time.Time) (int, error) { return s.deaths, nil }
func (s *fakeStore) AllPending() ([]*model.Authorization, error)   { return s.pending, nil }
func (s *fakeStore) ResolveAuthorization(id int64, status model.AuthorizationStatus, resolution string, resolvedAt time.Time) error {
	if s.resolved == nil {
		s.resolved = make(map[int64]model.AuthorizationStatus)
	}
	s.resolved[id] = status
	return nil
}

type fakeFailureHandler struct {
	called     bool
	reasonTag  string
	calledWith *model.Project
}

func (f *fakeFailureHandler) Handle(ctx context.Context, project *model.Project, reasonTag string) error {
	f.called = true
	f.reasonTag = reasonTag
	f.calledWith = project
	return nil
}

type fakeSender struct{ sent []string }

func (f *fakeSender) Send(target, from, message string) error {
	f.sent = append(f.sent, target)
	return nil
}

type fakeAuth struct{ err error }

func (f *fakeAuth) CheckAuth(preset *config.AgentPresetInfo) error { return f.err }

func baseProject(id int64, started time.Time) *model.Project {
	return &model.Project{
		ID:          id,
		SpecPath:    "/specs/widget-thing.md",
		ProjectPath: "/work/widget-thing",
		Status:      model.ProjectProcessing,
		MainSession: "widget-thing-impl-aaaa",
		StartedAt:   started,
	}
}

func baseState(sessionAlive bool) *model.SessionState {
	return &model.SessionState{
		ProjectName: "widget-thing",
		SessionName: "widget-thing-impl-aaaa",
		Agents: map[string]*model.AgentState{
			"project-manager": {Role: "project-manager", WindowIndex: 0, WorktreePath: "/work/widget-thing/pm", IsAlive: sessionAlive},
		},
	}
}

func TestSweepSkipsActionsDuringGracePeriod(t *testing.T) {
	p := baseProject(1, time.Now())
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)

	tmux := newFakeTmux()
	tmux.hasSession[p.MainSession] = true
	target := p.MainSession + ":0"
	tmux.paneCommand[target] = "bash"
	tmux.runtimeAlive[target] = false // would normally look stuck...

	fh := &fakeFailureHandler{}
	e := &Engine{Tmux: tmux, Store: store, FailureHandler: fh, Cfg: config.Defaults()}

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if fh.called {
		t.Fatal("expected no Failure Handler action during the grace period")
	}
}

func TestCheckProjectRediscoversPhantomSession(t *testing.T) {
	p := baseProject(2, time.Now().Add(-5*time.Hour))
	p.MainSession = "stale-name"
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)

	tmux := newFakeTmux()
	tmux.hasSession["stale-name"] = false
	tmux.sessions = []tmuxctl.SessionInfo{
		{Name: "widget-thing-impl-bbbb", Created: time.Now().Add(-1 * time.Hour)},
	}
	target := "widget-thing-impl-bbbb:0"
	tmux.paneCommand[target] = "claude"
	tmux.runtimeAlive[target] = true

	e := &Engine{Tmux: tmux, Store: store, Cfg: config.Defaults()}
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if store.mainSet[p.ID] != "widget-thing-impl-bbbb" {
		t.Fatalf("expected rediscovered session to be persisted, got %q", store.mainSet[p.ID])
	}
}

func TestCheckProjectLeavesAmbiguousPhantomUnresolved(t *testing.T) {
	p := baseProject(3, time.Now().Add(-5*time.Hour))
	p.MainSession = "stale-name"
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)

	tmux := newFakeTmux()
	tmux.hasSession["stale-name"] = false
	// No sessions at all: zero candidates.

	e := &Engine{Tmux: tmux, Store: store, Cfg: config.Defaults()}
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if _, ok := store.mainSet[p.ID]; ok {
		t.Fatal("expected no session adopted with zero candidates")
	}
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if _, ok := store.mainSet[p.ID]; ok {
		t.Fatal("expected no session adopted even after two consecutive inconclusive sweeps")
	}
}

func TestCheckAgentRecoversStuckAgent(t *testing.T) {
	p := baseProject(4, time.Now().Add(-5*time.Hour))
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)
	// A previous sweep already observed this pane content unchanged, with
	// stuck_since far enough in the past to cross the threshold.
	store.latest[p.ID] = []*model.AgentHealth{
		{Role: "project-manager", WindowIndex: 0, HealthBlob: contentHash([]string{"$ "}), StuckSince: time.Now().Add(-time.Hour)},
	}

	tmux := newFakeTmux()
	tmux.hasSession[p.MainSession] = true
	target := p.MainSession + ":0"
	tmux.paneCommand[target] = "bash"
	tmux.paneLines[target] = []string{"$ "}
	tmux.runtimeAlive[target] = false

	preset := &config.AgentPresetInfo{Command: "claude", ReadyPromptPrefix: ""}
	sender := &fakeSender{}
	e := &Engine{Tmux: tmux, Store: store, Sender: sender, AgentPreset: preset, Cfg: config.Defaults()}

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if tmux.sentKeys[target] != "claude" {
		t.Fatalf("expected relaunch command sent, got %q", tmux.sentKeys[target])
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one recovery briefing sent, got %d", len(sender.sent))
	}
}

func TestCheckAgentSkipsRecoveryWhenAuthIncomplete(t *testing.T) {
	p := baseProject(5, time.Now().Add(-5*time.Hour))
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)
	store.latest[p.ID] = []*model.AgentHealth{
		{Role: "project-manager", WindowIndex: 0, HealthBlob: contentHash([]string{"$ "}), StuckSince: time.Now().Add(-time.Hour)},
	}

	tmux := newFakeTmux()
	tmux.hasSession[p.MainSession] = true
	target := p.MainSession + ":0"
	tmux.paneCommand[target] = "bash"
	tmux.paneLines[target] = []string{"$ "}
	tmux.runtimeAlive[target] = false

	preset := &config.AgentPresetInfo{Command: "claude"}
	e := &Engine{Tmux: tmux, Store: store, AgentPreset: preset, Auth: &fakeAuth{err: os.ErrPermission}, Cfg: config.Defaults()}

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, sent := tmux.sentKeys[target]; sent {
		t.Fatal("expected no relaunch attempt when auth re-verification fails")
	}
}

func TestCheckProjectDetectsCompletionViaMarkerFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "COMPLETED"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("writing marker: %v", err)
	}

	p := baseProject(6, time.Now().Add(-5*time.Hour))
	store := newFakeStore()
	store.processing = []*model.Project{p}
	state := baseState(true)
	state.Agents["project-manager"].WorktreePath = dir
	store.states["widget-thing"] = state

	tmux := newFakeTmux()
	tmux.hasSession[p.MainSession] = true
	target := p.MainSession + ":0"
	tmux.paneCommand[target] = "claude"
	tmux.paneLines[target] = []string{"idle"}
	tmux.runtimeAlive[target] = true

	fh := &fakeFailureHandler{}
	e := &Engine{Tmux: tmux, Store: store, FailureHandler: fh, Cfg: config.Defaults()}

	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !fh.called || fh.reasonTag != "success" {
		t.Fatalf("expected a success completion handoff, got %+v", fh)
	}
}

func TestConditionalTimeoutFiresOnlyWithQueuePressure(t *testing.T) {
	p := baseProject(7, time.Now().Add(-5*time.Hour))
	store := newFakeStore()
	store.processing = []*model.Project{p}
	store.states["widget-thing"] = baseState(true)

	tmux := newFakeTmux()
	tmux.hasSession[p.MainSession] = true
	target := p.MainSession + ":0"
	tmux.paneCommand[target] = "claude"
	tmux.paneLines[target] = []string{"working..."}
	tmux.runtimeAlive[target] = true

	fh := &fakeFailureHandler{}
	e := &Engine{Tmux: tmux, Store: store, FailureHandler: fh, Cfg: config.Defaults()}
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep with no queue pressure: %v", err)
	}
	if fh.called {
		t.Fatal("expected no timeout without a QUEUED project behind it")
	}

	store.queued = []*model.Project{{ID: 8, Status: model.ProjectQueued}}
	if err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep with queue pressure: %v", err)
	}
	if !fh.called || fh.reasonTag != "timeout_with_pending_specs" {
		t.Fatalf("expected timeout_with_pending_specs, got %+v", fh)
	}
}

type fakeNotifier struct {
	kind, subject, body string
	calls               int
}

func (n *fakeNotifier) Notify(kind, subject, body string) error {
	n.kind, n.subject, n.body = kind, subject, body
	n.calls++
	return nil
}

func TestCheckAuthorizationEscalationsEscalatesPastEightyPercentOfTimeout(t *testing.T) {
	store := newFakeStore()
	// priority 1 -> 5 min timeout; 80% of that is 4 minutes, so 4m30s is past it.
	store.pending = []*model.Authorization{
		{ID: 1, Priority: 1, FromRole: "developer", ToRole: "tester", CreatedAt: time.Now().Add(-4*time.Minute - 30*time.Second)},
	}
	noti := &fakeNotifier{}
	e := &Engine{Store: store, Notifier: noti}

	if err := e.checkAuthorizationEscalations(); err != nil {
		t.Fatalf("checkAuthorizationEscalations: %v", err)
	}
	if store.resolved[1] != model.AuthEscalated {
		t.Fatalf("expected authorization 1 to be ESCALATED, got %v", store.resolved[1])
	}
	if noti.calls != 1 || noti.kind != "authorization_escalated" {
		t.Fatalf("expected one authorization_escalated notification, got %+v", noti)
	}
}

func TestCheckAuthorizationEscalationsLeavesFreshRequestsPending(t *testing.T) {
	store := newFakeStore()
	store.pending = []*model.Authorization{
		{ID: 2, Priority: 1, FromRole: "developer", ToRole: "tester", CreatedAt: time.Now().Add(-1 * time.Minute)},
	}
	noti := &fakeNotifier{}
	e := &Engine{Store: store, Notifier: noti}

	if err := e.checkAuthorizationEscalations(); err != nil {
		t.Fatalf("checkAuthorizationEscalations: %v", err)
	}
	if _, ok := store.resolved[2]; ok {
		t.Fatalf("expected authorization 2 to remain untouched, got %v", store.resolved[2])
	}
	if noti.calls != 0 {
		t.Fatalf("expected no notification for a fresh request, got %d", noti.calls)
	}
}

func TestCheckerFuncQualifiesWindowTargetForZero(t *testing.T) {
	// A bare "session" target addresses tmux's currently active window, not
	// window 0, so window 0 must still be addressed as "session:0".
	tmux := newFakeTmux()
	tmux.paneLines["sess"] = []string{"active window, not window 0"}
	tmux.paneLines["sess:0"] = []string{"window 0"}
	cf := checkerFunc(tmux.CapturePaneLines)
	out, err := cf.CapturePaneLines("sess", 0, 5)
	if err != nil {
		t.Fatalf("CapturePaneLines: %v", err)
	}
	if out != "window 0" {
		t.Errorf("expected window-0-qualified target, got %q", out)
	}
}
