// Package briefing implements C5 Agent Briefer: composing a role-specific
// briefing payload and injecting it into an agent's tmux window once the
// agent CLI has produced a ready indicator (spec.md §4.5). Title-casing of
// role names is grounded on ztbrown-gastown's internal/cmd/formula.go use of
// golang.org/x/text/cases for template headers — the same library earns its
// keep here for the same reason (human-readable role names from kebab-case
// identifiers like "project-manager").
package briefing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// Peer is one other role an agent will coordinate with, referenced by its
// tmux window index so the briefing can tell the agent exactly where to
// send messages.
type Peer struct {
	Role        string
	WindowIndex int
}

// Info carries everything needed to compose one role's briefing.
type Info struct {
	Role              string
	WindowIndex       int
	ProjectName       string
	WorktreePath      string
	Branch            string
	Peers             []Peer
	CheckInMinutes    int
	IsHub             bool // true for the project-manager role in hub-and-spoke topology
	HubRole           string
	HubWindowIndex    int
	RecoveryAttempt   int    // 0 for a fresh briefing, >0 when re-briefing after a stuck recovery
	LastCommitSummary string // populated only on recovery briefings
}

// Compose builds the plain-UTF-8 briefing text for one role. The format
// matches spec.md §6's "plain text, no structured envelope" messaging
// protocol — this is injected verbatim via the Messenger (C2), not wrapped
// in any framing.
func Compose(info Info) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Briefing: %s ===\n\n", titleCaser.String(strings.ReplaceAll(info.Role, "-", " ")))
	fmt.Fprintf(&b, "Project: %s\n", info.ProjectName)
	fmt.Fprintf(&b, "Working directory: %s\n", info.WorktreePath)
	fmt.Fprintf(&b, "Branch: %s\n\n", info.Branch)

	b.WriteString("Responsibilities:\n")
	b.WriteString(responsibilitiesFor(info.Role))
	b.WriteString("\n")

	b.WriteString("Communication protocol:\n")
	if info.IsHub {
		b.WriteString("  You are the hub. Peers report status to you; aggregate and escalate upward as needed.\n")
	} else {
		fmt.Fprintf(&b, "  Hub-and-spoke: send status and questions only to %s (window %d). Do not message other roles directly.\n", info.HubRole, info.HubWindowIndex)
	}
	if len(info.Peers) > 0 {
		b.WriteString("  Team roster:\n")
		for _, p := range info.Peers {
			fmt.Fprintf(&b, "    - %s (window %d)\n", p.Role, p.WindowIndex)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Check in every %d minutes using: STATUS %s <iso-ts>\n", info.CheckInMinutes, info.Role)
	b.WriteString("  Fields: Completed / Current / Blocked / ETA\n\n")

	b.WriteString("Git discipline:\n")
	b.WriteString("  Commit at least every 30 minutes, even if incomplete — small commits beat silent progress.\n")
	fmt.Fprintf(&b, "  Stay on branch %s; do not merge or rebase onto other roles' branches yourself.\n\n", info.Branch)

	if info.RecoveryAttempt > 0 {
		fmt.Fprintf(&b, "Recovery instructions (attempt %d):\n", info.RecoveryAttempt)
		b.WriteString("  Your previous session was recovered after going silent.\n")
		if info.LastCommitSummary != "" {
			fmt.Fprintf(&b, "  Last commits:\n%s\n", indent(info.LastCommitSummary))
		}
		b.WriteString("  Resume from your last checkpoint; do not restart work already committed.\n")
	}

	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

// responsibilitiesFor returns a short default responsibilities blurb for
// known roles, and a generic fallback for any operator-named role not in
// the glossary's list (spec.md's role set is open-ended: "orchestrator,
// project-manager, developer, tester, testrunner, devops, sysadmin,
// securityops, …").
func responsibilitiesFor(role string) string {
	switch role {
	case "orchestrator":
		return "  Own the overall run. Watch for blockers escalated by the project-manager and make final calls on scope.\n"
	case "project-manager":
		return "  Aggregate status from all other roles, resolve cross-role blockers, and report a single rollup upward.\n"
	case "developer":
		return "  Implement the assigned work in your worktree; commit frequently; raise blockers through the hub.\n"
	case "tester":
		return "  Verify the developer's work against the spec; file concrete, reproducible defects through the hub.\n"
	case "devops":
		return "  Own build, deploy, and environment concerns for this project.\n"
	case "securityops":
		return "  Review changes for security regressions before they merge.\n"
	default:
		return fmt.Sprintf("  Carry out the %s responsibilities assigned in the project spec.\n", role)
	}
}

// ReadyChecker captures a tmux pane's visible content, used to detect the
// agent CLI's ready indicator before a briefing is injected.
type ReadyChecker interface {
	CapturePaneLines(session string, windowIndex, lines int) (string, error)
}

// DialogDismisser dismisses the agent CLI's interactive trust/permissions
// dialog if one is currently showing in the target window, and is a no-op
// otherwise; *tmuxctl.Controller satisfies this.
type DialogDismisser interface {
	AcceptBypassPermissionsWarning(session string) error
}

// Sender delivers a briefing payload into a target window, matching
// messenger.Messenger's Send signature.
type Sender interface {
	Send(target, from, message string) error
}

// readyPollInterval is how often the pane is re-captured while waiting for
// the agent CLI's ready indicator.
const readyPollInterval = 500 * time.Millisecond

// WaitForReady polls the pane's captured content for indicator (a substring
// the agent CLI prints once its own startup is complete, e.g. a prompt
// string) until it appears or ctx is cancelled. On every poll it first gives
// dismisser a chance to clear the CLI's bypass-permissions trust dialog,
// since that dialog covers the ready indicator and, left alone, would hang
// this wait until ctx's deadline rather than until the CLI is actually
// ready. dismisser may be nil for callers (and tests) that don't need it.
func WaitForReady(ctx context.Context, checker ReadyChecker, dismisser DialogDismisser, session string, windowIndex int, indicator string) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	target := fmt.Sprintf("%s:%d", session, windowIndex)
	for {
		if dismisser != nil {
			// Best-effort: the dialog may simply not be showing on this poll.
			_ = dismisser.AcceptBypassPermissionsWarning(target)
		}
		content, err := checker.CapturePaneLines(session, windowIndex, 50)
		if err == nil && strings.Contains(content, indicator) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deliver composes and sends the briefing for one role, waiting for the
// ready indicator first (spec.md §4.5: briefings are injected only after
// the agent CLI has produced a ready indicator, never immediately on
// window creation). The trust-dialog dismissal happens as part of that
// wait, since a briefing sent into a modal dialog is lost.
func Deliver(ctx context.Context, checker ReadyChecker, dismisser DialogDismisser, sender Sender, session, fromRole, indicator string, info Info) error {
	target := fmt.Sprintf("%s:%d", session, info.WindowIndex)
	if err := WaitForReady(ctx, checker, dismisser, session, info.WindowIndex, indicator); err != nil {
		return fmt.Errorf("briefing: waiting for ready indicator for %s: %w", info.Role, err)
	}
	return sender.Send(target, fromRole, Compose(info))
}
