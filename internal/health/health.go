// Package health implements the Health Monitor (C9): a periodic sweep over
// every PROCESSING project that classifies each agent window's liveness,
// rediscovers phantom sessions, recovers stuck agents, detects completion,
// and escalates timeouts when the queue has pending work behind it
// (spec.md §4.9).
package health

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaycrew/conductor/internal/briefing"
	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/tmuxctl"
)

// minGracePeriod is the protective window spec.md §4.9 mandates "regardless
// of configuration" — Cfg.GracePeriod() can only lengthen it, never shorten it.
const minGracePeriod = 4 * time.Hour

// minTimeoutAge is the age past which a PROCESSING project becomes eligible
// for the conditional timeout. It is separate from the grace period, but the
// timeout check is only reached once the grace period has passed, so a
// configured grace period longer than this delays the timeout too.
const minTimeoutAge = 4 * time.Hour

// defaultScrollback is how many trailing pane lines are scanned for
// completion phrases absent an explicit override.
const defaultScrollback = 200

// defaultCompletionPhrases are the phrases a pane scan treats as a
// completion signal. No teacher file probes for free-text completion
// phrases (ztbrown-gastown's daemon watches structured convoy state
// instead), so this list is original, kept short and conservative to
// avoid false positives against ordinary chatter.
var defaultCompletionPhrases = []string{
	"task complete",
	"all tests pass",
	"implementation complete",
	"ready for review",
}

// Tmux is the subset of tmuxctl.Controller the Health Monitor depends on.
type Tmux interface {
	HasSession(name string) (bool, error)
	ListSessionsWithCreated() ([]tmuxctl.SessionInfo, error)
	GetPaneCommand(session string) (string, error)
	CapturePaneLines(session string, n int) ([]string, error)
	IsRuntimeRunning(session string, processNames []string) bool
	SendKeysLiteral(session, text string) error
	SendEnter(session string) error
	AcceptBypassPermissionsWarning(session string) error
}

// Store is the subset of store.Store the Health Monitor depends on.
type Store interface {
	ListByStatus(status model.ProjectStatus) ([]*model.Project, error)
	SetMainSession(id int64, session string) error
	LoadSessionState(projectName string) (*model.SessionState, error)
	SaveSessionState(st model.SessionState) error
	RecordHealth(h model.AgentHealth) (int64, error)
	LatestHealthByProject(projectID int64) ([]*model.AgentHealth, error)
	CountDeathsSince(since time.Time) (int, error)
	AllPending() ([]*model.Authorization, error)
	ResolveAuthorization(id int64, status model.AuthorizationStatus, resolution string, resolvedAt time.Time) error
}

// AuthChecker re-verifies an agent CLI's login state before a stuck
// recovery attempts to relaunch it. *lifecycle.FileAuthChecker satisfies
// this.
type AuthChecker interface {
	CheckAuth(preset *config.AgentPresetInfo) error
}

// FailureHandler is the narrow surface the Health Monitor needs from C10
// when a project times out.
type FailureHandler interface {
	Handle(ctx context.Context, project *model.Project, reasonTag string) error
}

// massDeathThreshold is the death count (ZOMBIE/DEAD rows) within
// massDeathWindow that escalates a single correlated alert instead of one
// per agent (spec.md §5 anti-notification-storm requirement).
const massDeathThreshold = 3

var massDeathWindow = 30 * time.Second

// Notifier is the narrow surface used for the mass-death correlated alert.
type Notifier interface {
	Notify(kind, subject, body string) error
}

// Engine wires together the Health Monitor's dependencies.
type Engine struct {
	Tmux           Tmux
	Store          Store
	Sender         briefing.Sender
	Auth           AuthChecker
	AgentPreset    *config.AgentPresetInfo
	FailureHandler FailureHandler
	Notifier       Notifier
	Cfg            config.Config

	// Scrollback overrides defaultScrollback when non-zero.
	Scrollback int

	Logger *log.Logger

	// phantomSuspicion counts consecutive sweeps in which a PROCESSING
	// project's session was not found alive and pattern-matching found
	// zero or multiple candidates — spec.md §4.9 requires two consecutive
	// suspicious sweeps before acting.
	phantomSuspicion map[int64]int

	// sweeping guards against overlapping sweeps (spec.md §5: "C9 sweep
	// ≤ 60s, skipped if prior sweep still running").
	sweeping atomic.Bool
}

// Run ticks Sweep on interval until ctx is cancelled, mirroring
// queue.Engine.Run/scheduler.Engine.Run's poll-loop shape.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger().Println("health monitor running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.logger().Printf("sweep: %v", err)
			}
		}
	}
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.New(os.Stderr, "health: ", log.LstdFlags)
	}
	return e.Logger
}

func (e *Engine) scrollback() int {
	if e.Scrollback > 0 {
		return e.Scrollback
	}
	return defaultScrollback
}

func (e *Engine) gracePeriod() time.Duration {
	if g := e.Cfg.GracePeriod(); g > minGracePeriod {
		return g
	}
	return minGracePeriod
}

// Sweep runs one pass over every PROCESSING project. A cancelled context
// causes the in-flight iteration to finish and Sweep to return (spec.md
// §4.9 cancellation semantics: "finish current iteration and exit").
func (e *Engine) Sweep(ctx context.Context) error {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger().Println("skipping sweep: prior sweep still running")
		return nil
	}
	defer e.sweeping.Store(false)

	if e.phantomSuspicion == nil {
		e.phantomSuspicion = make(map[int64]int)
	}

	projects, err := e.Store.ListByStatus(model.ProjectProcessing)
	if err != nil {
		return fmt.Errorf("listing PROCESSING projects: %w", err)
	}

	for _, p := range projects {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := e.checkProject(ctx, p); err != nil {
			e.logger().Printf("project=%d: %v", p.ID, err)
		}
	}

	if err := e.checkMassDeath(); err != nil {
		e.logger().Printf("mass death check: %v", err)
	}

	if err := e.checkAuthorizationEscalations(); err != nil {
		e.logger().Printf("authorization escalation check: %v", err)
	}

	return nil
}

// checkAuthorizationEscalations implements spec.md §3's escalation trigger
// ("elapsed > 80% of timeout") as part of the Health Monitor's ownership of
// Authorization append/update: every PENDING request across every session
// is checked once per sweep, and any request past 80% of its priority's
// PriorityTimeout is moved to ESCALATED and reported through the Notifier.
func (e *Engine) checkAuthorizationEscalations() error {
	pending, err := e.Store.AllPending()
	if err != nil {
		return fmt.Errorf("listing pending authorizations: %w", err)
	}

	now := time.Now()
	for _, a := range pending {
		timeout := model.PriorityTimeout(a.Priority)
		threshold := time.Duration(float64(timeout) * model.EscalationThreshold)
		elapsed := now.Sub(a.CreatedAt)
		if elapsed <= threshold {
			continue
		}

		resolution := fmt.Sprintf("escalated: elapsed %s exceeds %.0f%% of %s timeout",
			elapsed.Round(time.Second), model.EscalationThreshold*100, timeout)
		if err := e.Store.ResolveAuthorization(a.ID, model.AuthEscalated, resolution, now); err != nil {
			e.logger().Printf("authorization=%d: %v", a.ID, err)
			continue
		}
		if e.Notifier != nil {
			subject := fmt.Sprintf("authorization %d (%s -> %s) escalated", a.ID, a.FromRole, a.ToRole)
			_ = e.Notifier.Notify("authorization_escalated", subject, resolution)
		}
	}
	return nil
}

func (e *Engine) checkMassDeath() error {
	n, err := e.Store.CountDeathsSince(time.Now().Add(-massDeathWindow))
	if err != nil {
		return err
	}
	if n >= massDeathThreshold && e.Notifier != nil {
		return e.Notifier.Notify("mass_death",
			fmt.Sprintf("%d agents died within %s", n, massDeathWindow),
			"Multiple agents across one or more projects went ZOMBIE/DEAD in a short window; this is reported once as a correlated alert rather than per-agent.")
	}
	return nil
}

func (e *Engine) checkProject(ctx context.Context, p *model.Project) error {
	inGrace := time.Since(p.StartedAt) < e.gracePeriod()

	session := p.MainSession
	alive, err := e.Tmux.HasSession(session)
	if err != nil {
		return fmt.Errorf("checking session liveness: %w", err)
	}

	if !alive {
		rediscovered, err := e.rediscover(p)
		if err != nil {
			return fmt.Errorf("phantom rediscovery: %w", err)
		}
		if rediscovered == "" {
			return nil // no unique candidate: suspicion counted, no action taken
		}
		session = rediscovered
	} else {
		delete(e.phantomSuspicion, p.ID)
	}

	projectName := filepath.Base(p.ProjectPath)
	state, err := e.Store.LoadSessionState(projectName)
	if err != nil {
		return fmt.Errorf("loading session state: %w", err)
	}

	allAligned := true
	var hubWorktree string
	for role, agent := range state.Agents {
		if role == hubRoleName(state) {
			hubWorktree = agent.WorktreePath
		}
		aligned, err := e.checkAgent(ctx, p, session, role, agent, inGrace)
		if err != nil {
			e.logger().Printf("project=%d role=%s: %v", p.ID, role, err)
			continue
		}
		if !aligned {
			allAligned = false
		}
	}
	if err := e.Store.SaveSessionState(*state); err != nil {
		return fmt.Errorf("saving session state: %w", err)
	}

	if hubWorktree != "" {
		if e.checkCompletion(session, state, hubWorktree) && allAligned {
			if e.FailureHandler != nil {
				return e.FailureHandler.Handle(ctx, p, "success")
			}
			return nil
		}
	}

	if inGrace {
		return nil
	}

	age := time.Since(p.StartedAt)
	if age > minTimeoutAge {
		hasQueued, err := e.Store.ListByStatus(model.ProjectQueued)
		if err != nil {
			return fmt.Errorf("checking queue pressure: %w", err)
		}
		if len(hasQueued) > 0 && e.FailureHandler != nil {
			return e.FailureHandler.Handle(ctx, p, "timeout_with_pending_specs")
		}
	}

	return nil
}

func hubRoleName(state *model.SessionState) string {
	if _, ok := state.Agents["project-manager"]; ok {
		return "project-manager"
	}
	for role := range state.Agents {
		return role
	}
	return ""
}

// rediscover implements the pattern-match fallback (spec.md §4.9 step 2).
// A unique candidate is adopted at once (main_session is updated) and its
// name returned. With zero or several candidates it returns "" and only
// counts the suspicion, logging it once it has held for two consecutive
// sweeps; no further action is taken on it.
func (e *Engine) rediscover(p *model.Project) (string, error) {
	sessions, err := e.Tmux.ListSessionsWithCreated()
	if err != nil {
		return "", err
	}

	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(p.SpecPath), filepath.Ext(p.SpecPath)))
	keywords := strings.FieldsFunc(stem, func(r rune) bool { return r == '-' || r == '_' })

	var candidates []string
	cutoff := time.Now().Add(-8 * time.Hour)
	for _, s := range sessions {
		if s.Created.Before(cutoff) {
			continue
		}
		name := strings.ToLower(s.Name)
		if strings.Contains(name, "-impl-") {
			candidates = append(candidates, s.Name)
			continue
		}
		matches := 0
		for _, kw := range keywords {
			if kw != "" && strings.Contains(name, kw) {
				matches++
			}
		}
		if matches >= 2 {
			candidates = append(candidates, s.Name)
		}
	}

	if len(candidates) == 1 {
		delete(e.phantomSuspicion, p.ID)
		if err := e.Store.SetMainSession(p.ID, candidates[0]); err != nil {
			return "", err
		}
		e.logger().Printf("project=%d rediscovered session %s", p.ID, candidates[0])
		return candidates[0], nil
	}

	// Zero or multiple candidates: even after two consecutive inconclusive
	// sweeps, spec.md §4.9 only requires recording the suspicion before
	// acting, not a specific action once recorded — there is no unique
	// session to adopt, so this stays a logged suspicion for operator
	// visibility rather than a guess.
	e.phantomSuspicion[p.ID]++
	if e.phantomSuspicion[p.ID] >= 2 {
		e.logger().Printf("project=%d phantom suspicion confirmed across 2 sweeps (%d candidates)", p.ID, len(candidates))
	}
	return "", nil
}

// checkAgent inspects one role's window, updates its AgentState in place,
// records a health snapshot, and runs stuck recovery when appropriate. It
// returns whether the agent is "aligned" for completion purposes: either
// showing a completion signal of its own or idle without error.
func (e *Engine) checkAgent(ctx context.Context, p *model.Project, session, role string, agent *model.AgentState, inGrace bool) (bool, error) {
	target := fmt.Sprintf("%s:%d", session, agent.WindowIndex)

	paneCmd, err := e.Tmux.GetPaneCommand(target)
	if err != nil {
		return false, fmt.Errorf("pane command: %w", err)
	}
	lines, err := e.Tmux.CapturePaneLines(target, e.scrollback())
	if err != nil {
		return false, fmt.Errorf("capture pane: %w", err)
	}
	processNames := []string{}
	if e.AgentPreset != nil {
		processNames = e.AgentPreset.ProcessNames
	}
	present := e.Tmux.IsRuntimeRunning(target, processNames)

	prev := latestFor(mustLatest(e.Store, p.ID), role, agent.WindowIndex)
	hash := contentHash(lines)
	stuckSince := time.Now()
	if prev != nil && prev.HealthBlob == hash {
		stuckSince = prev.StuckSince
	}

	status := model.HealthAlive
	isStuck := false
	silentFor := time.Since(stuckSince)
	if !present {
		if isShellCommand(paneCmd) {
			status = model.HealthZombie
		}
		if silentFor > e.Cfg.StuckThreshold() {
			isStuck = true
			status = model.HealthStuck
		}
	}

	agent.IsAlive = present
	agent.LastCheckInEpoch = time.Now().Unix()

	if _, err := e.Store.RecordHealth(model.AgentHealth{
		ProjectID:     p.ID,
		SessionName:   session,
		Role:          role,
		WindowIndex:   agent.WindowIndex,
		CheckedAt:     time.Now(),
		PaneCommand:   paneCmd,
		ClaudePresent: present,
		Status:        status,
		IsStuck:       isStuck,
		StuckSince:    stuckSince,
		RecoveryAttempts: agent.RecoveryAttempts,
		HealthBlob:    hash,
	}); err != nil {
		return false, fmt.Errorf("recording health: %w", err)
	}

	if isStuck && !inGrace {
		if err := e.recover(ctx, p, session, role, agent); err != nil {
			e.logger().Printf("project=%d role=%s recovery: %v", p.ID, role, err)
		}
	}

	aligned := present || !isStuck
	return aligned, nil
}

func mustLatest(s Store, projectID int64) []*model.AgentHealth {
	rows, _ := s.LatestHealthByProject(projectID)
	return rows
}

func latestFor(rows []*model.AgentHealth, role string, windowIndex int) *model.AgentHealth {
	for _, r := range rows {
		if r.Role == role && r.WindowIndex == windowIndex {
			return r
		}
	}
	return nil
}

// contentHash is the same rolling-hash idiom the Scheduler Core's dispatch
// quarantine uses for dedup (internal/scheduler), applied here to detect
// whether a pane's visible content changed since the previous sweep.
func contentHash(lines []string) string {
	h := fnv.New64a()
	for _, l := range lines {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func isShellCommand(cmd string) bool {
	switch cmd {
	case "bash", "sh", "zsh", "fish":
		return true
	default:
		return false
	}
}

// recover implements spec.md §4.9 step 4: re-verify auth, relaunch the CLI,
// compose and deliver a recovery briefing, bump recovery_attempts.
func (e *Engine) recover(ctx context.Context, p *model.Project, session, role string, agent *model.AgentState) error {
	if e.Auth != nil && e.AgentPreset != nil {
		if err := e.Auth.CheckAuth(e.AgentPreset); err != nil {
			agent.IsExhausted = true
			return fmt.Errorf("auth incomplete, marking unrecoverable: %w", err)
		}
	}

	target := fmt.Sprintf("%s:%d", session, agent.WindowIndex)
	cmd := ""
	if e.AgentPreset != nil {
		cmd = e.AgentPreset.Command
		if len(e.AgentPreset.Args) > 0 {
			cmd = cmd + " " + strings.Join(e.AgentPreset.Args, " ")
		}
	}
	if cmd == "" {
		return fmt.Errorf("no agent command configured")
	}
	if err := e.Tmux.SendKeysLiteral(target, cmd); err != nil {
		return fmt.Errorf("relaunching CLI: %w", err)
	}
	if err := e.Tmux.SendEnter(target); err != nil {
		return fmt.Errorf("relaunching CLI: %w", err)
	}

	agent.RecoveryAttempts++

	indicator := ""
	if e.AgentPreset != nil {
		indicator = e.AgentPreset.ReadyPromptPrefix
	}
	if indicator != "" {
		if err := briefing.WaitForReady(ctx, checkerFunc(e.Tmux.CapturePaneLines), e.Tmux, session, agent.WindowIndex, indicator); err != nil {
			return fmt.Errorf("waiting for relaunched CLI: %w", err)
		}
	}

	info := briefing.Info{
		Role:              role,
		WindowIndex:       agent.WindowIndex,
		ProjectName:       filepath.Base(p.ProjectPath),
		WorktreePath:      agent.WorktreePath,
		Branch:            agent.Branch,
		RecoveryAttempt:   agent.RecoveryAttempts,
		LastCommitSummary: lastCommitSummaryPlaceholder,
	}
	return briefing.Deliver(ctx, checkerFunc(e.Tmux.CapturePaneLines), e.Tmux, e.Sender, session, "health-monitor", indicator, info)
}

// lastCommitSummaryPlaceholder stands in until C9 grows a git log reader;
// recovery briefings still convey "resume from your last checkpoint"
// without it, just without the specific commit line.
const lastCommitSummaryPlaceholder = ""

// checkCompletion implements spec.md §4.9 step 5: scan the hub's pane for a
// completion phrase OR look for a COMPLETED marker file at its worktree
// root.
func (e *Engine) checkCompletion(session string, state *model.SessionState, hubWorktree string) bool {
	if _, err := os.Stat(filepath.Join(hubWorktree, "COMPLETED")); err == nil {
		return true
	}

	hubAgent, ok := state.Agents[hubRoleName(state)]
	if !ok {
		return false
	}
	lines, err := e.Tmux.CapturePaneLines(fmt.Sprintf("%s:%d", session, hubAgent.WindowIndex), e.scrollback())
	if err != nil {
		return false
	}
	text := strings.ToLower(strings.Join(lines, "\n"))
	for _, phrase := range defaultCompletionPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// checkerFunc adapts a CapturePaneLines-shaped func to briefing.ReadyChecker,
// the same adapter shape internal/lifecycle uses for the same purpose.
type checkerFunc func(session string, n int) ([]string, error)

func (f checkerFunc) CapturePaneLines(session string, windowIndex, lines int) (string, error) {
	// Always qualify with the window index, even 0: a bare "session" target
	// addresses tmux's currently active window, not window 0.
	target := fmt.Sprintf("%s:%d", session, windowIndex)
	got, err := f(target, lines)
	if err != nil {
		return "", err
	}
	return strings.Join(got, "\n"), nil
}
