package briefing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestComposeIncludesCoreFields(t *testing.T) {
	text := Compose(Info{
		Role:           "developer",
		ProjectName:    "checkout-redesign",
		WorktreePath:   "/repo/checkout-redesign-tmux-worktrees/developer",
		Branch:         "feature/x-developer",
		CheckInMinutes: 20,
		HubRole:        "project-manager",
		HubWindowIndex: 1,
		Peers:          []Peer{{Role: "project-manager", WindowIndex: 1}, {Role: "tester", WindowIndex: 2}},
	})

	for _, want := range []string{
		"Developer",
		"checkout-redesign",
		"/repo/checkout-redesign-tmux-worktrees/developer",
		"feature/x-developer",
		"send status and questions only to project-manager (window 1)",
		"every 20 minutes",
		"30 minutes",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("briefing missing %q:\n%s", want, text)
		}
	}
}

func TestComposeHubRoleSkipsSpokeInstruction(t *testing.T) {
	text := Compose(Info{Role: "project-manager", IsHub: true, CheckInMinutes: 20})
	if !strings.Contains(text, "You are the hub") {
		t.Errorf("expected hub framing, got:\n%s", text)
	}
	if strings.Contains(text, "send status and questions only to") {
		t.Errorf("hub briefing should not include spoke instruction:\n%s", text)
	}
}

func TestComposeRecoveryBriefingIncludesLastCommits(t *testing.T) {
	text := Compose(Info{
		Role:              "developer",
		CheckInMinutes:    20,
		RecoveryAttempt:   2,
		LastCommitSummary: "abc123 fix bug\ndef456 add test",
	})
	if !strings.Contains(text, "Recovery instructions (attempt 2)") {
		t.Errorf("missing recovery header:\n%s", text)
	}
	if !strings.Contains(text, "abc123 fix bug") {
		t.Errorf("missing last commit summary:\n%s", text)
	}
}

func TestComposeFreshBriefingOmitsRecoverySection(t *testing.T) {
	text := Compose(Info{Role: "developer", CheckInMinutes: 20})
	if strings.Contains(text, "Recovery instructions") {
		t.Errorf("fresh briefing should not mention recovery:\n%s", text)
	}
}

type fakeChecker struct {
	panes map[string]string
	calls int
}

func (f *fakeChecker) CapturePaneLines(session string, windowIndex, lines int) (string, error) {
	f.calls++
	return f.panes[session], nil
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(target, from, message string) error {
	f.sent = append(f.sent, target+"|"+message)
	return nil
}

type fakeDismisser struct {
	calls []string
	err   error
}

func (f *fakeDismisser) AcceptBypassPermissionsWarning(session string) error {
	f.calls = append(f.calls, session)
	return f.err
}

func TestWaitForReadySucceedsImmediately(t *testing.T) {
	checker := &fakeChecker{panes: map[string]string{"sess": "$ ready for input"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := WaitForReady(ctx, checker, nil, "sess", 0, "ready for input"); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}
}

func TestWaitForReadyTimesOut(t *testing.T) {
	checker := &fakeChecker{panes: map[string]string{"sess": "still booting"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := WaitForReady(ctx, checker, nil, "sess", 0, "ready for input")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestWaitForReadyCallsDismisserEveryPoll(t *testing.T) {
	checker := &fakeChecker{panes: map[string]string{"sess": "still booting"}}
	dismisser := &fakeDismisser{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = WaitForReady(ctx, checker, dismisser, "sess", 3, "ready for input")
	if len(dismisser.calls) == 0 {
		t.Fatal("expected dismisser to be polled at least once")
	}
	for _, target := range dismisser.calls {
		if target != "sess:3" {
			t.Errorf("expected dismisser target sess:3, got %q", target)
		}
	}
}

func TestWaitForReadyIgnoresDismisserError(t *testing.T) {
	checker := &fakeChecker{panes: map[string]string{"sess": "$ ready for input"}}
	dismisser := &fakeDismisser{err: errors.New("no dialog present")}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := WaitForReady(ctx, checker, dismisser, "sess", 0, "ready for input"); err != nil {
		t.Fatalf("WaitForReady should ignore dismisser errors, got: %v", err)
	}
}

func TestDeliverSendsAfterReady(t *testing.T) {
	checker := &fakeChecker{panes: map[string]string{"sess": "$ ready for input"}}
	sender := &fakeSender{}
	dismisser := &fakeDismisser{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := Deliver(ctx, checker, dismisser, sender, "sess", "orchestrator", "ready for input", Info{
		Role:           "developer",
		WindowIndex:    2,
		CheckInMinutes: 20,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], "sess:2|") {
		t.Fatalf("unexpected sends: %v", sender.sent)
	}
}
