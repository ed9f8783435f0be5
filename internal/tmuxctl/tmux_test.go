package tmuxctl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// installMockTmux writes a fake `tmux` shell script to a temp dir and
// prepends it to PATH. The script sees Controller.run's leading "-u" as $1,
// so the tmux subcommand is $2.
// Mirrors the teacher's installMockBd pattern in internal/polecat/manager_test.go.
func installMockTmux(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tmux")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing mock tmux: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestValidateSessionName(t *testing.T) {
	cases := map[string]bool{
		"conductor-main": true,
		"":                false,
		"bad.name":        false,
		"bad:name":        false,
	}
	for name, want := range cases {
		if got := validateSessionName(name) == nil; got != want {
			t.Errorf("validateSessionName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestHasSessionNoServer(t *testing.T) {
	installMockTmux(t, `echo "no server running" >&2; exit 1`)
	c := New()
	has, err := c.HasSession("conductor-main")
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if has {
		t.Fatal("expected HasSession false when no server running")
	}
}

func TestHasSessionExists(t *testing.T) {
	installMockTmux(t, `exit 0`)
	c := New()
	has, err := c.HasSession("conductor-main")
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Fatal("expected HasSession true")
	}
}

func TestListSessionsNoServer(t *testing.T) {
	installMockTmux(t, `echo "no server running" >&2; exit 1`)
	c := New()
	sessions, err := c.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if sessions != nil {
		t.Fatalf("expected nil sessions, got %v", sessions)
	}
}

func TestListSessionsWithCreated(t *testing.T) {
	installMockTmux(t, `echo "demo-impl-aaaa	1700000000"
echo "other-impl-bbbb	1700003600"`)
	c := New()
	sessions, err := c.ListSessionsWithCreated()
	if err != nil {
		t.Fatalf("ListSessionsWithCreated: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", sessions)
	}
	if sessions[0].Name != "demo-impl-aaaa" || sessions[0].Created.Unix() != 1700000000 {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
}

func TestListSessionsWithCreatedNoServer(t *testing.T) {
	installMockTmux(t, `echo "no server running" >&2; exit 1`)
	c := New()
	sessions, err := c.ListSessionsWithCreated()
	if err != nil {
		t.Fatalf("ListSessionsWithCreated: %v", err)
	}
	if sessions != nil {
		t.Fatalf("expected nil sessions, got %v", sessions)
	}
}

func TestNewSessionRejectsInvalidName(t *testing.T) {
	c := New()
	if err := c.NewSession("bad name", ""); err == nil {
		t.Fatal("expected error for invalid session name")
	}
}

func TestAcceptBypassPermissionsWarningNoDialogSendsNoKeys(t *testing.T) {
	log := filepath.Join(t.TempDir(), "calls.log")
	installMockTmux(t, `echo "$@" >> `+log+`
if [ "$2" = "capture-pane" ]; then echo "$ ready for input"; fi
exit 0`)
	c := New()
	if err := c.AcceptBypassPermissionsWarning("conductor-main:0"); err != nil {
		t.Fatalf("AcceptBypassPermissionsWarning: %v", err)
	}
	data, _ := os.ReadFile(log)
	if got := string(data); containsSendKeys(got) {
		t.Fatalf("expected no send-keys when dialog absent, got log:\n%s", got)
	}
}

func TestAcceptBypassPermissionsWarningDismissesDialog(t *testing.T) {
	log := filepath.Join(t.TempDir(), "calls.log")
	installMockTmux(t, `echo "$@" >> `+log+`
if [ "$2" = "capture-pane" ]; then echo "Bypass Permissions mode - do you accept?"; fi
exit 0`)
	c := New()
	if err := c.AcceptBypassPermissionsWarning("conductor-main:0"); err != nil {
		t.Fatalf("AcceptBypassPermissionsWarning: %v", err)
	}
	data, _ := os.ReadFile(log)
	got := string(data)
	if !strings.Contains(got, "send-keys -t conductor-main:0 Down") {
		t.Fatalf("expected Down key send, got log:\n%s", got)
	}
	if !strings.Contains(got, "send-keys -t conductor-main:0 Enter") {
		t.Fatalf("expected Enter key send, got log:\n%s", got)
	}
}

func containsSendKeys(log string) bool {
	return strings.Contains(log, "send-keys")
}
