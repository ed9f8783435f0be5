// Package tmuxctl implements C3 Session Controller: subprocess wrapping of
// the tmux binary for session lifecycle, pane introspection, and
// process-tree-aware teardown. Adapted from ztbrown-gastown's internal/tmux
// package, generalized from agent-specific (Claude) detection to a
// configurable set of agent CLI process names per spec.md §4.3.
package tmuxctl

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var validSessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	ErrNoServer           = errors.New("no tmux server running")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidSessionName = errors.New("invalid session name")
)

func validateSessionName(name string) error {
	if name == "" || !validSessionNameRe.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidSessionName, name, validSessionNameRe.String())
	}
	return nil
}

// Controller wraps tmux session operations. The zero value is ready to use.
type Controller struct{}

// New returns a ready Controller.
func New() *Controller { return &Controller{} }

func (c *Controller) run(args ...string) (string, error) {
	allArgs := append([]string{"-u"}, args...)
	cmd := exec.Command("tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case strings.Contains(stderr, "no server running"),
		strings.Contains(stderr, "error connecting to"),
		strings.Contains(stderr, "no current target"):
		return ErrNoServer
	case strings.Contains(stderr, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(stderr, "session not found"), strings.Contains(stderr, "can't find session"):
		return ErrSessionNotFound
	}
	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// NewSession creates a detached session rooted at workDir.
func (c *Controller) NewSession(name, workDir string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := c.run(args...)
	return err
}

// NewSessionWithCommandAndEnv creates a detached session whose pane's initial
// process is command, with session-level env vars set via -e flags so the
// role/project identity is visible to `tmux show-environment` before the
// agent CLI's own process starts (spec.md §4.6 step 4: inject role identity
// before brief delivery).
func (c *Controller) NewSessionWithCommandAndEnv(name, workDir, command string, env map[string]string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, command)
	_, err := c.run(args...)
	return err
}

// NewWindow adds a window to an existing session, rooted at workDir — never
// inheriting the tmux server's own cwd (spec.md §4.3's new_window invariant).
func (c *Controller) NewWindow(session, name, workDir string) error {
	args := []string{"new-window", "-t", session, "-n", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	_, err := c.run(args...)
	return err
}

// NewWindowWithCommandAndEnv adds a window whose pane's initial process is
// command, with window-level env vars set via -e flags — the per-role
// counterpart to NewSessionWithCommandAndEnv, used for every role after the
// first (which gets its own window by virtue of session creation).
func (c *Controller) NewWindowWithCommandAndEnv(session, name, workDir, command string, env map[string]string) error {
	args := []string{"new-window", "-t", session, "-n", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, command)
	_, err := c.run(args...)
	return err
}

// HasSession reports whether a session exists, using exact-match semantics
// (the "=" prefix) so "conductor-review" never matches a HasSession("conductor") check.
func (c *Controller) HasSession(name string) (bool, error) {
	_, err := c.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all live session names.
func (c *Controller) ListSessions() ([]string, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// SessionInfo is one row of ListSessionsWithCreated.
type SessionInfo struct {
	Name    string
	Created time.Time
}

// ListSessionsWithCreated returns every live session's name and tmux-tracked
// creation time, used by the Health Monitor's pattern-match fallback to
// filter rediscovery candidates down to sessions young enough to plausibly
// be the phantom project's (spec.md §4.9: "created within the last 8
// hours").
func (c *Controller) ListSessionsWithCreated() ([]SessionInfo, error) {
	out, err := c.run("list-sessions", "-F", "#{session_name}\t#{session_created}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		epoch, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{Name: parts[0], Created: time.Unix(epoch, 0)})
	}
	return sessions, nil
}

// KillSession terminates a session's tmux state (not its processes).
func (c *Controller) KillSession(name string) error {
	_, err := c.run("kill-session", "-t", name)
	return err
}

// processKillGracePeriod is how long to wait after SIGTERM before SIGKILL.
const processKillGracePeriod = 2 * time.Second

// KillSessionWithProcesses walks the pane's process tree, SIGTERMs every
// descendant, waits a grace period, SIGKILLs survivors, then kills the
// session itself. Needed because tmux kill-session alone leaves orphaned
// agent-CLI processes when the agent ignores SIGHUP (spec.md §4.3 teardown).
func (c *Controller) KillSessionWithProcesses(name string) error {
	pid, err := c.GetPanePID(name)
	if err != nil {
		killErr := c.KillSession(name)
		if killErr == nil || errors.Is(killErr, ErrSessionNotFound) || errors.Is(killErr, ErrNoServer) {
			return nil
		}
		return killErr
	}

	if pid != "" {
		descendants := getAllDescendants(pid)
		knownPIDs := make(map[string]bool, len(descendants)+1)
		knownPIDs[pid] = true
		for _, d := range descendants {
			knownPIDs[d] = true
		}

		pgid := getProcessGroupID(pid)
		if pgid != "" && pgid != "0" && pgid != "1" {
			descendants = append(descendants, collectReparentedGroupMembers(pgid, knownPIDs)...)
		}

		for _, dpid := range descendants {
			_ = exec.Command("kill", "-TERM", dpid).Run()
		}
		time.Sleep(processKillGracePeriod)
		for _, dpid := range descendants {
			_ = exec.Command("kill", "-KILL", dpid).Run()
		}

		_ = exec.Command("kill", "-TERM", pid).Run()
		time.Sleep(processKillGracePeriod)
		_ = exec.Command("kill", "-KILL", pid).Run()
	}

	err = c.KillSession(name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// GetPaneCommand returns the command name currently running in a session's
// active pane (e.g. "bash", "claude").
func (c *Controller) GetPaneCommand(session string) (string, error) {
	out, err := c.run("display-message", "-t", session, "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GetPanePID returns the PID of a session's active pane process.
func (c *Controller) GetPanePID(session string) (string, error) {
	out, err := c.run("display-message", "-t", session, "-p", "#{pane_pid}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GetPaneWorkDir returns the current working directory of a session's active pane.
func (c *Controller) GetPaneWorkDir(session string) (string, error) {
	out, err := c.run("display-message", "-t", session, "-p", "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CapturePaneLines returns the last n lines of the active pane's scrollback,
// oldest first.
func (c *Controller) CapturePaneLines(session string, n int) ([]string, error) {
	out, err := c.run("capture-pane", "-t", session, "-p", "-S", fmt.Sprintf("-%d", n))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetEnvironment reads a single session-level environment variable set via
// NewSessionWithCommandAndEnv's -e flags.
func (c *Controller) GetEnvironment(session, key string) (string, error) {
	out, err := c.run("show-environment", "-t", session, key)
	if err != nil {
		return "", err
	}
	if idx := strings.IndexByte(out, '='); idx >= 0 {
		return out[idx+1:], nil
	}
	return "", nil
}

// SendKeysLiteral pastes text into a session's active pane in literal mode
// (tmux send-keys -l), which bypasses tmux's key-name parsing so arbitrary
// message text (including characters that would otherwise be read as tmux
// key names) arrives unchanged. Does not send Enter; pair with SendEnter.
func (c *Controller) SendKeysLiteral(session, text string) error {
	_, err := c.run("send-keys", "-t", session, "-l", text)
	return err
}

// SendEnter presses Enter in a session's active pane as a separate command.
// Sending Enter via a distinct tmux invocation (rather than appending it to
// the literal-mode paste) is more reliable against panes that are still
// processing the pasted text.
func (c *Controller) SendEnter(session string) error {
	_, err := c.run("send-keys", "-t", session, "Enter")
	return err
}

// WakePane sends a SIGWINCH-equivalent resize nudge to a detached session.
// Some agent CLIs buffer stdin until the terminal receives a resize event,
// so a plain send-keys can silently sit unread in a detached pane; toggling
// the window size forces the redraw that flushes it.
func (c *Controller) WakePane(session string) error {
	if _, err := c.run("resize-window", "-t", session, "-x", "81", "-y", "25"); err != nil {
		return err
	}
	_, err := c.run("resize-window", "-t", session, "-x", "80", "-y", "24")
	return err
}

// bypassPermissionsWarningText is the characteristic substring of the agent
// CLI's interactive trust/bypass-permissions dialog.
const bypassPermissionsWarningText = "Bypass Permissions mode"

// AcceptBypassPermissionsWarning dismisses the agent CLI's trust/permissions
// dialog if one is showing: it presents as a modal requiring Down (to select
// "Yes, I accept") then Enter to confirm. Checks for the dialog's
// characteristic text first so sessions that never show it (already
// accepted, or a CLI/config that skips it) are left untouched.
func (c *Controller) AcceptBypassPermissionsWarning(session string) error {
	content, err := c.run("capture-pane", "-t", session, "-p", "-S", "-30")
	if err != nil {
		return err
	}
	if !strings.Contains(content, bypassPermissionsWarningText) {
		return nil
	}

	if _, err := c.run("send-keys", "-t", session, "Down"); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := c.run("send-keys", "-t", session, "Enter"); err != nil {
		return err
	}
	return nil
}

// IsRuntimeRunning reports whether the pane's command, or one of its
// descendant processes, matches one of processNames. Generalizes the
// teacher's Claude-specific IsAgentAlive to any configured agent CLI.
func (c *Controller) IsRuntimeRunning(session string, processNames []string) bool {
	if len(processNames) == 0 {
		return false
	}
	cmd, err := c.GetPaneCommand(session)
	if err != nil {
		return false
	}
	for _, name := range processNames {
		if cmd == name {
			return true
		}
	}
	pid, err := c.GetPanePID(session)
	if err != nil || pid == "" {
		return false
	}
	if isShell(cmd) {
		return hasDescendantWithNames(pid, processNames, 0)
	}
	if processMatchesNames(pid, processNames) {
		return true
	}
	return hasDescendantWithNames(pid, processNames, 0)
}

var supportedShells = []string{"bash", "zsh", "sh", "fish"}

func isShell(cmd string) bool {
	for _, s := range supportedShells {
		if cmd == s {
			return true
		}
	}
	return false
}

// WaitForCommand polls until the pane's current command is not one of
// excludeCommands, used to detect a shell having exec'd into the agent CLI.
func (c *Controller) WaitForCommand(session string, excludeCommands []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cmd, err := c.GetPaneCommand(session)
		if err == nil {
			excluded := false
			for _, exc := range excludeCommands {
				if cmd == exc {
					excluded = true
					break
				}
			}
			if !excluded {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for command to start in %s", session)
}
