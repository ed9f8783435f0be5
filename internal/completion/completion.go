// Package completion implements the Completion & Failure Handler (C10):
// the single exit path every Project takes out of PROCESSING, whether it
// got there by succeeding, failing outright, or timing out (spec.md
// §4.10). The Health Monitor (C9) calls Handle and never transitions a
// project to FAILED/COMPLETED itself.
package completion

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/model"
)

// ReasonSuccess is the reasonTag Handle treats as the completion path
// rather than the failure path.
const ReasonSuccess = "success"

// Tmux is the subset of tmuxctl.Controller the handler depends on.
type Tmux interface {
	CapturePaneLines(session string, n int) ([]string, error)
	KillSessionWithProcesses(name string) error
}

// Store is the subset of store.Store the handler depends on.
type Store interface {
	GetProject(id int64) (*model.Project, error)
	LoadSessionState(projectName string) (*model.SessionState, error)
	SaveSessionState(st model.SessionState) error
	TransitionProject(id int64, to model.ProjectStatus, mutate func(p *model.Project)) error
	AppendFailure(f model.FailureRecord) (int64, error)
}

// Notifier delivers the best-effort alert and report-attached email; satisfied
// by notify.Notifier.
type Notifier interface {
	Notify(kind, subject, body string, attachments ...string) error
}

// Handler implements C10. DeferTmuxCleanupOnSuccess, when true, skips step 4
// (killing the session) on the completion path so an operator can attach
// before the session disappears; spec.md §4.10 calls this "deferred
// (configurable)".
type Handler struct {
	Tmux                     Tmux
	Store                    Store
	Notifier                 Notifier
	Cfg                      config.Config
	DeferTmuxCleanupOnSuccess bool
	Scrollback               int
	Logger                   *log.Logger
}

func (h *Handler) logger() *log.Logger {
	if h.Logger == nil {
		return log.New(os.Stderr, "completion: ", log.LstdFlags)
	}
	return h.Logger
}

func (h *Handler) scrollback() int {
	if h.Scrollback > 0 {
		return h.Scrollback
	}
	return 100
}

// Handle runs the six-step workflow spec.md §4.10 describes for both the
// failure/timeout path and the completion path, distinguished only by
// reasonTag: ReasonSuccess takes the completion branch (PENDING_MERGE,
// deferrable tmux cleanup), anything else takes the failure branch
// (FAILED, failure_reason, forced tmux kill).
func (h *Handler) Handle(ctx context.Context, project *model.Project, reasonTag string) error {
	started := time.Now()
	session := project.MainSession
	state, _ := h.Store.LoadSessionState(filepath.Base(project.ProjectPath))

	// Step 1: emergency alert before anything destructive happens.
	alertSubject := fmt.Sprintf("project %d (%s) closing: %s", project.ID, filepath.Base(project.ProjectPath), reasonTag)
	if err := h.Notifier.Notify("emergency_alert", alertSubject, fmt.Sprintf("session=%s reason=%s", session, reasonTag)); err != nil {
		h.logger().Printf("emergency alert failed for project %d: %v", project.ID, err)
	}

	// Step 2: failure report + FailureRecord, always recorded regardless of
	// outcome — a clean completion still gets an audit trail entry.
	report := h.buildReport(project, state, session, reasonTag, started)
	reportPath, err := h.persistReport(project, report)
	if err != nil {
		h.logger().Printf("persisting report for project %d: %v", project.ID, err)
	}

	duration := time.Since(project.StartedAt).Hours()
	agentCount := 0
	if state != nil {
		agentCount = len(state.Agents)
	}
	if _, err := h.Store.AppendFailure(model.FailureRecord{
		Timestamp:   started,
		ProjectID:   project.ID,
		SessionName: session,
		ReasonTag:   reasonTag,
		DurationHrs: duration,
		SpecPath:    project.SpecPath,
		AgentCount:  agentCount,
		Notes:       report,
		ReportPath:  reportPath,
	}); err != nil {
		h.logger().Printf("appending failure record for project %d: %v", project.ID, err)
	}

	if reasonTag == ReasonSuccess {
		return h.completeWorkflow(project, state, session, reportPath)
	}
	return h.failWorkflow(project, state, session, reasonTag, reportPath)
}

func (h *Handler) failWorkflow(project *model.Project, state *model.SessionState, session, reasonTag, reportPath string) error {
	// Step 3: FAILED with failure_reason, waiting_for cleared on every agent.
	if state != nil {
		clearWaitingFor(state)
		_ = h.Store.SaveSessionState(*state)
	}
	if err := h.Store.TransitionProject(project.ID, model.ProjectFailed, func(p *model.Project) {
		p.ErrorMessage = reasonTag
	}); err != nil {
		h.logger().Printf("transitioning project %d to FAILED: %v", project.ID, err)
	}

	// Step 4: kill the session with force.
	if session != "" {
		if err := h.Tmux.KillSessionWithProcesses(session); err != nil {
			h.logger().Printf("killing session %s for project %d: %v", session, project.ID, err)
		}
	}

	// Step 5: releasing the concurrency slot is implicit — the project is
	// no longer PROCESSING, so the Project Queue's next DequeueNext call
	// will promote whatever is QUEUED.

	// Step 6: best-effort notifier email with the report attached.
	h.notifyReportEmail(project, reasonTag, reportPath)
	return nil
}

func (h *Handler) completeWorkflow(project *model.Project, state *model.SessionState, session, reportPath string) error {
	if state != nil {
		clearWaitingFor(state)
		_ = h.Store.SaveSessionState(*state)
	}
	if err := h.Store.TransitionProject(project.ID, model.ProjectCompleted, func(p *model.Project) {
		p.MergedStatus = model.MergePending
	}); err != nil {
		h.logger().Printf("transitioning project %d to COMPLETED: %v", project.ID, err)
	}

	if session != "" && !h.DeferTmuxCleanupOnSuccess {
		if err := h.Tmux.KillSessionWithProcesses(session); err != nil {
			h.logger().Printf("killing session %s for project %d: %v", session, project.ID, err)
		}
	}

	h.notifyReportEmail(project, ReasonSuccess, reportPath)
	return nil
}

func (h *Handler) notifyReportEmail(project *model.Project, reasonTag, reportPath string) {
	subject := fmt.Sprintf("project %d (%s) %s", project.ID, filepath.Base(project.ProjectPath), reasonTag)
	body := fmt.Sprintf("see attached report for the full breakdown.\nspec: %s\nreason: %s", project.SpecPath, reasonTag)
	var attachments []string
	if reportPath != "" {
		attachments = append(attachments, reportPath)
	}
	if err := h.Notifier.Notify("completion_report", subject, body, attachments...); err != nil {
		h.logger().Printf("report email failed for project %d: %v", project.ID, err)
	}
}

func clearWaitingFor(state *model.SessionState) {
	for _, agent := range state.Agents {
		agent.WaitingFor = nil
	}
}

// buildReport generates the Markdown document spec.md §4.10 step 2
// describes: project identity, reason, duration, per-window pane captures,
// per-agent status, and recommendations.
func (h *Handler) buildReport(project *model.Project, state *model.SessionState, session, reasonTag string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project %d report\n\n", project.ID)
	fmt.Fprintf(&b, "- project path: %s\n", project.ProjectPath)
	fmt.Fprintf(&b, "- spec: %s\n", project.SpecPath)
	fmt.Fprintf(&b, "- session: %s\n", session)
	fmt.Fprintf(&b, "- reason: %s\n", reasonTag)
	fmt.Fprintf(&b, "- attempts: %d\n", project.Attempts)
	if !project.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- duration: %.2f hours\n", now.Sub(project.StartedAt).Hours())
	}
	b.WriteString("\n## Agents\n\n")

	if state == nil {
		b.WriteString("no session state on record for this project.\n")
		return b.String()
	}
	for role, agent := range state.Agents {
		fmt.Fprintf(&b, "### %s (window %d)\n\n", role, agent.WindowIndex)
		fmt.Fprintf(&b, "- alive: %v\n", agent.IsAlive)
		fmt.Fprintf(&b, "- exhausted: %v\n", agent.IsExhausted)
		fmt.Fprintf(&b, "- recovery attempts: %d\n", agent.RecoveryAttempts)
		if agent.WaitingFor != nil {
			fmt.Fprintf(&b, "- waiting for: %s (%s)\n", agent.WaitingFor.TargetRole, agent.WaitingFor.Reason)
		}
		if session != "" {
			lines, err := h.capturePane(session, agent.WindowIndex)
			if err != nil {
				fmt.Fprintf(&b, "\n(pane capture failed: %v)\n\n", err)
			} else {
				b.WriteString("\n```\n")
				b.WriteString(strings.Join(lines, "\n"))
				b.WriteString("\n```\n\n")
			}
		}
	}

	b.WriteString("## Recommendations\n\n")
	b.WriteString(recommendationsFor(reasonTag))
	return b.String()
}

func recommendationsFor(reasonTag string) string {
	switch reasonTag {
	case ReasonSuccess:
		return "- review the merge queue for this project once C11 runs.\n"
	case "timeout_with_pending_specs":
		return "- inspect the stalled agents' panes above; consider re-queuing with a narrower spec.\n"
	default:
		return "- inspect the panes above for the last command each agent ran before failing.\n"
	}
}

func (h *Handler) capturePane(session string, windowIndex int) ([]string, error) {
	// Always qualify with the window index, even 0: a bare "session" target
	// addresses tmux's currently active window, not window 0.
	target := fmt.Sprintf("%s:%d", session, windowIndex)
	return h.Tmux.CapturePaneLines(target, h.scrollback())
}

// persistReport writes the report to registry/failures/ so it survives
// independent of the FailureRecord row, per spec.md §4.10's "persist to the
// project registry" requirement.
func (h *Handler) persistReport(project *model.Project, report string) (string, error) {
	dir := filepath.Join(h.Cfg.RegistryRoot, "failures")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("project-%d-%d.md", project.ID, time.Now().Unix()))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
