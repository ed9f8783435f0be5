package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycrew/conductor/internal/model"
)

type fakeStore struct {
	mu sync.Mutex

	due        []*model.ScheduledTask
	completed  map[int64]int64 // id -> nextRunEpoch
	backedOff  map[int64]int64
	dispatchCt map[int64]int
	removed    []int64
	reset      []string
}

func newFakeStore(tasks ...*model.ScheduledTask) *fakeStore {
	ct := make(map[int64]int)
	for _, t := range tasks {
		ct[t.ID] = t.DispatchCount
	}
	return &fakeStore{
		due:        tasks,
		completed:  make(map[int64]int64),
		backedOff:  make(map[int64]int64),
		dispatchCt: ct,
	}
}

func (s *fakeStore) ClaimDue(nowEpoch int64) ([]*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.due
	s.due = nil
	return claimed, nil
}

func (s *fakeStore) CompleteDispatch(id int64, nowEpoch, nextRunEpoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = nextRunEpoch
	return nil
}

func (s *fakeStore) BackoffDispatch(id int64, nowEpoch, nextRunEpoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backedOff[id] = nextRunEpoch
	s.dispatchCt[id]++
	return nil
}

func (s *fakeStore) ListPendingForSession(session string) ([]*model.ScheduledTask, error) {
	return nil, nil
}

func (s *fakeStore) RemoveTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeStore) CancelTasksForSession(session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = append(s.reset, session)
	return nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (f *fakeSender) Send(target, from, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != nil && f.failFor[target] {
		return errors.New("send: failed for " + target)
	}
	f.sent = append(f.sent, target+"|"+message)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(kind, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, kind+"|"+subject)
	return nil
}

func TestDispatchDueDeliversAndReschedules(t *testing.T) {
	task := &model.ScheduledTask{ID: 1, SessionName: "sess", Role: "developer", WindowIndex: 1, IntervalMinutes: 20, Note: "check-in"}
	store := newFakeStore(task)
	sender := &fakeSender{}
	eng := &Engine{Store: store, Sender: sender}

	n, err := eng.DispatchDue(time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dispatched, got %d", n)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "sess:1|[scheduler] developer check-in (check-in)" {
		t.Fatalf("unexpected sends: %v", sender.sent)
	}
	want := int64(1000 + 20*60)
	if store.completed[1] != want {
		t.Errorf("expected next_run_epoch %d, got %d", want, store.completed[1])
	}
}

func TestDispatchDueZeroWindowQualifiesTarget(t *testing.T) {
	// A bare "sess" target addresses tmux's currently active window, not
	// window 0, so window 0 must still be addressed as "sess:0".
	task := &model.ScheduledTask{ID: 2, SessionName: "sess", Role: "orchestrator", WindowIndex: 0, IntervalMinutes: 20, Note: "self-check-in"}
	store := newFakeStore(task)
	sender := &fakeSender{}
	eng := &Engine{Store: store, Sender: sender}

	if _, err := eng.DispatchDue(time.Unix(1000, 0)); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0][:6] != "sess:0" {
		t.Fatalf("expected window-0-qualified target, got %v", sender.sent)
	}
}

func TestDispatchDueBacksOffOnFailure(t *testing.T) {
	task := &model.ScheduledTask{ID: 3, SessionName: "sess", Role: "developer", WindowIndex: 1, IntervalMinutes: 20, DispatchCount: 0}
	store := newFakeStore(task)
	sender := &fakeSender{failFor: map[string]bool{"sess:1": true}}
	eng := &Engine{Store: store, Sender: sender}

	if _, err := eng.DispatchDue(time.Unix(1000, 0)); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	want := int64(1000 + 1*60) // first backoff rung is 1 minute
	if store.backedOff[3] != want {
		t.Errorf("expected backoff next_run_epoch %d, got %d", want, store.backedOff[3])
	}
	if _, ok := store.completed[3]; ok {
		t.Errorf("a failed dispatch should not be recorded as completed")
	}
}

func TestDispatchDueEscalatesToAgentUnreachable(t *testing.T) {
	task := &model.ScheduledTask{ID: 4, SessionName: "sess", Role: "developer", WindowIndex: 1, DispatchCount: agentUnreachableThreshold}
	store := newFakeStore(task)
	sender := &fakeSender{failFor: map[string]bool{"sess:1": true}}
	notifier := &fakeNotifier{}
	eng := &Engine{Store: store, Sender: sender, Notifier: notifier}

	if _, err := eng.DispatchDue(time.Unix(1000, 0)); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected one agent_unreachable notification, got %v", notifier.events)
	}
}

func TestDispatchDueCapsBackoffAtFinalRung(t *testing.T) {
	task := &model.ScheduledTask{ID: 5, SessionName: "sess", Role: "developer", WindowIndex: 1, DispatchCount: 99}
	store := newFakeStore(task)
	sender := &fakeSender{failFor: map[string]bool{"sess:1": true}}
	eng := &Engine{Store: store, Sender: sender}

	if _, err := eng.DispatchDue(time.Unix(1000, 0)); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	want := int64(1000 + 8*60) // capped at the final (8 minute) rung
	if store.backedOff[5] != want {
		t.Errorf("expected capped backoff %d, got %d", want, store.backedOff[5])
	}
}

func TestDispatchDueNoTasksIsNoop(t *testing.T) {
	store := newFakeStore()
	sender := &fakeSender{}
	eng := &Engine{Store: store, Sender: sender}

	n, err := eng.DispatchDue(time.Unix(1000, 0))
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestListRemoveResetSessionDelegateToStore(t *testing.T) {
	store := newFakeStore()
	eng := &Engine{Store: store, Sender: &fakeSender{}}

	if err := eng.Remove(9); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(store.removed) != 1 || store.removed[0] != 9 {
		t.Errorf("expected task 9 removed, got %v", store.removed)
	}
	if err := eng.ResetSession("sess"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if len(store.reset) != 1 || store.reset[0] != "sess" {
		t.Errorf("expected session sess reset, got %v", store.reset)
	}
}

func TestDispatchEventRateLimitsPerKind(t *testing.T) {
	sender := &fakeSender{}
	eng := &Engine{Store: newFakeStore(), Sender: sender}

	if err := eng.DispatchEvent("health_alert", "hub:0", "monitor", "first"); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	if err := eng.DispatchEvent("health_alert", "hub:0", "monitor", "second"); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the second same-kind event within 500ms to be quarantined, got %v", sender.sent)
	}
}

func TestDispatchEventDedupsIdenticalContent(t *testing.T) {
	sender := &fakeSender{}
	eng := &Engine{Store: newFakeStore(), Sender: sender}

	eng.q().lastByKind["health_alert"] = time.Now().Add(-time.Hour) // bypass the per-kind limiter
	if err := eng.DispatchEvent("health_alert", "hub:0", "monitor", "same"); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	eng.q().lastByKind["health_alert"] = time.Now().Add(-time.Hour)
	if err := eng.DispatchEvent("health_alert", "hub:0", "monitor", "same"); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected the duplicate event content to be deduped, got %v", sender.sent)
	}
}

func TestDispatchStatusReportSlidingWindow(t *testing.T) {
	sender := &fakeSender{}
	eng := &Engine{Store: newFakeStore(), Sender: sender}

	for i := 0; i < 5; i++ {
		if err := eng.DispatchStatusReport("developer", "hub:0", "status update"); err != nil {
			t.Fatalf("DispatchStatusReport: %v", err)
		}
	}
	if len(sender.sent) != 5 {
		t.Fatalf("expected all 5 within the window to send, got %d", len(sender.sent))
	}
	if err := eng.DispatchStatusReport("developer", "hub:0", "status update"); err != nil {
		t.Fatalf("DispatchStatusReport: %v", err)
	}
	if len(sender.sent) != 5 {
		t.Fatalf("expected the 6th report within 5 minutes to be quarantined, got %d", len(sender.sent))
	}
}

func TestAcquireSingletonPreventsDoubleRun(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "scheduler.lock")

	first := &Engine{Store: newFakeStore(), Sender: &fakeSender{}, LockPath: lockPath}
	fl, err := first.acquireSingleton()
	if err != nil {
		t.Fatalf("first acquireSingleton: %v", err)
	}
	defer fl.Unlock()

	second := &Engine{Store: newFakeStore(), Sender: &fakeSender{}, LockPath: lockPath, StaleAfter: time.Hour}
	if _, err := second.acquireSingleton(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning while the first holder is fresh, got %v", err)
	}
}

func TestAcquireSingletonTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "scheduler.lock")

	first := &Engine{Store: newFakeStore(), Sender: &fakeSender{}, LockPath: lockPath}
	fl, err := first.acquireSingleton()
	if err != nil {
		t.Fatalf("first acquireSingleton: %v", err)
	}
	defer fl.Unlock()

	// Leave the first holder's lock in place (a real crash releases the
	// kernel-level lock immediately, which a second process would simply
	// reacquire) and age the lock file's mtime past staleAfter to exercise
	// the forced-takeover path a genuinely stuck-but-alive holder needs.
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, stale, stale); err != nil {
		t.Fatalf("setting up stale mtime: %v", err)
	}

	second := &Engine{Store: newFakeStore(), Sender: &fakeSender{}, LockPath: lockPath, StaleAfter: time.Minute}
	fl2, err := second.acquireSingleton()
	if err != nil {
		t.Fatalf("expected the second process to take over a stale lock: %v", err)
	}
	defer fl2.Unlock()
}

func TestRunRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	eng := &Engine{
		Store:        newFakeStore(),
		Sender:       &fakeSender{},
		LockPath:     filepath.Join(dir, "scheduler.lock"),
		TickInterval: time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
