// Package scheduler implements C7 Scheduler Core: the one-second-tick
// dispatcher that delivers due ScheduledTask check-ins through the Messenger
// and a rate-limited/deduplicated event quarantine for cross-component
// notifications (spec.md §4.7). Grounded on ztbrown-gastown's
// internal/daemon.Daemon — the flock singleton-plus-heartbeat idiom is kept
// verbatim in shape, generalized from the teacher's town-wide patrol loop to
// this orchestrator's narrower single-purpose tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/relaycrew/conductor/internal/model"
)

// ErrAlreadyRunning is returned by Run when another process already holds
// the singleton lock and its heartbeat is still fresh.
var ErrAlreadyRunning = errors.New("scheduler: already running (lock held by another process)")

// Store is the subset of internal/store's task operations the scheduler
// depends on.
type Store interface {
	ClaimDue(nowEpoch int64) ([]*model.ScheduledTask, error)
	CompleteDispatch(id int64, nowEpoch, nextRunEpoch int64) error
	BackoffDispatch(id int64, nowEpoch, nextRunEpoch int64) error
	ListPendingForSession(session string) ([]*model.ScheduledTask, error)
	RemoveTask(id int64) error
	CancelTasksForSession(session string) error
}

// Sender delivers a message to a tmux pane, matching messenger.Messenger's
// signature.
type Sender interface {
	Send(target, from, message string) error
}

// Notifier is the minimal shape of C12 the scheduler needs to escalate an
// AgentUnreachable condition; the full notify.Notifier satisfies this.
type Notifier interface {
	Notify(kind, subject, body string) error
}

// backoffScheduleMinutes is the exponential backoff ladder applied to a
// ScheduledTask's next_run_epoch after a delivery failure, capped at its
// final entry (spec.md §4.7).
var backoffScheduleMinutes = []int{1, 2, 4, 8}

// agentUnreachableThreshold is the dispatch_count past which a recurring
// delivery failure escalates to an AgentUnreachable notifier event rather
// than silently continuing to back off.
const agentUnreachableThreshold = len(backoffScheduleMinutes)

// Engine is the Scheduler Core. The zero value is not ready to use — Store
// and Sender must be set; the interval fields default when zero via their
// accessor methods below.
type Engine struct {
	Store    Store
	Sender   Sender
	Notifier Notifier
	Logger   *log.Logger

	LockPath          string
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	WorkerPoolSize    int

	quarantineOnce sync.Once
	quarantine     *quarantine
}

func (e *Engine) tickInterval() time.Duration {
	if e.TickInterval <= 0 {
		return time.Second
	}
	return e.TickInterval
}

func (e *Engine) heartbeatInterval() time.Duration {
	if e.HeartbeatInterval <= 0 {
		return 10 * time.Second
	}
	return e.HeartbeatInterval
}

func (e *Engine) staleAfter() time.Duration {
	if e.StaleAfter <= 0 {
		return 60 * time.Second
	}
	return e.StaleAfter
}

func (e *Engine) workerPoolSize() int {
	if e.WorkerPoolSize <= 0 || e.WorkerPoolSize > 8 {
		return 8
	}
	return e.WorkerPoolSize
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.New(os.Stderr, "scheduler: ", log.LstdFlags)
	}
	return e.Logger
}

// Run acquires the singleton lock, starts the heartbeat and tick loops, and
// blocks until ctx is cancelled. Returns ErrAlreadyRunning if another live
// scheduler process holds the lock.
func (e *Engine) Run(ctx context.Context) error {
	fl, err := e.acquireSingleton()
	if err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()

	heartbeatTicker := time.NewTicker(e.heartbeatInterval())
	defer heartbeatTicker.Stop()
	tickTicker := time.NewTicker(e.tickInterval())
	defer tickTicker.Stop()

	e.logger().Println("scheduler running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			e.touchHeartbeat()
		case <-tickTicker.C:
			if _, err := e.DispatchDue(time.Now()); err != nil {
				e.logger().Printf("dispatch_due: %v", err)
			}
		}
	}
}

// acquireSingleton implements the lock-plus-heartbeat protocol: try the
// advisory lock; if another process holds it, check whether its heartbeat
// (the lock file's own mtime) is stale enough to assume it died without
// releasing cleanly, and if so force a takeover.
func (e *Engine) acquireSingleton() (*flock.Flock, error) {
	fl := flock.New(e.LockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring scheduler lock: %w", err)
	}
	if locked {
		e.touchHeartbeat()
		return fl, nil
	}

	info, statErr := os.Stat(e.LockPath)
	if statErr == nil && time.Since(info.ModTime()) > e.staleAfter() {
		_ = os.Remove(e.LockPath)
		fl = flock.New(e.LockPath)
		locked, err = fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring scheduler lock after stale takeover: %w", err)
		}
		if locked {
			e.touchHeartbeat()
			return fl, nil
		}
	}
	return nil, ErrAlreadyRunning
}

// touchHeartbeat bumps the lock file's modification time; best-effort, since
// a failed touch only affects how soon a competing starter may wrongly
// assume this process died.
func (e *Engine) touchHeartbeat() {
	now := time.Now()
	_ = os.Chtimes(e.LockPath, now, now)
}

// targetFor always qualifies with the window index, even 0: a bare
// "session" target addresses tmux's currently active window, which is
// whichever window was created last (tmux new-window switches the active
// window), not window 0.
func targetFor(session string, windowIndex int) string {
	return fmt.Sprintf("%s:%d", session, windowIndex)
}

func composeCheckIn(t *model.ScheduledTask) string {
	return fmt.Sprintf("[scheduler] %s check-in (%s)", t.Role, t.Note)
}

// DispatchDue claims every task due at or before now, delivers each through
// Sender across a bounded worker pool (parallelizing only across distinct
// targets; delivery to one target is still effectively serialized by the
// messenger's own per-target lock), and returns the number dispatched.
// Claimed order (next_run_epoch ASC, id ASC, per Store.ClaimDue) is
// preserved as job submission order so a retry never races ahead of an
// earlier, newly-due task.
func (e *Engine) DispatchDue(now time.Time) (int, error) {
	nowEpoch := now.Unix()
	tasks, err := e.Store.ClaimDue(nowEpoch)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	jobs := make(chan *model.ScheduledTask)
	var wg sync.WaitGroup
	workers := e.workerPoolSize()
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				e.dispatchOne(t, nowEpoch)
			}
		}()
	}
	for _, t := range tasks {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	return len(tasks), nil
}

func (e *Engine) dispatchOne(t *model.ScheduledTask, nowEpoch int64) {
	target := targetFor(t.SessionName, t.WindowIndex)
	err := e.Sender.Send(target, "scheduler", composeCheckIn(t))
	if err == nil {
		nextRun := nowEpoch + int64(t.IntervalMinutes)*60
		if cerr := e.Store.CompleteDispatch(t.ID, nowEpoch, nextRun); cerr != nil {
			e.logger().Printf("complete_dispatch task=%d: %v", t.ID, cerr)
		}
		return
	}

	e.logger().Printf("dispatch failed task=%d target=%s: %v", t.ID, target, err)

	attempt := t.DispatchCount
	if attempt >= len(backoffScheduleMinutes) {
		attempt = len(backoffScheduleMinutes) - 1
	}
	backoffMinutes := backoffScheduleMinutes[attempt]
	nextRun := nowEpoch + int64(backoffMinutes)*60
	if berr := e.Store.BackoffDispatch(t.ID, nowEpoch, nextRun); berr != nil {
		e.logger().Printf("backoff_dispatch task=%d: %v", t.ID, berr)
	}

	if t.DispatchCount+1 > agentUnreachableThreshold && e.Notifier != nil {
		subject := fmt.Sprintf("agent unreachable: %s (%s)", t.SessionName, t.Role)
		body := fmt.Sprintf("check-in delivery to %s has failed %d times; last error: %v", target, t.DispatchCount+1, err)
		if nerr := e.Notifier.Notify("agent_unreachable", subject, body); nerr != nil {
			e.logger().Printf("notify agent_unreachable task=%d: %v", t.ID, nerr)
		}
	}
}

// List returns a session's pending/dispatching tasks, administrative
// counterpart to enqueue (spec.md §4.7 list()).
func (e *Engine) List(session string) ([]*model.ScheduledTask, error) {
	return e.Store.ListPendingForSession(session)
}

// Remove deletes a task by id (spec.md §4.7 remove(id)).
func (e *Engine) Remove(id int64) error {
	return e.Store.RemoveTask(id)
}

// ResetSession cancels every pending task for a session (spec.md §4.7
// reset_session(session)), used when a project is torn down or restarted.
func (e *Engine) ResetSession(session string) error {
	return e.Store.CancelTasksForSession(session)
}

// quarantine rate-limits and deduplicates event-driven dispatches (as
// opposed to timer-driven ScheduledTask check-ins): one per event-kind per
// 500ms, deduplicated by a rolling hash of the last 100 events, plus a
// per-role 5-per-5-minute sliding window for status-report messages
// (spec.md §4.7 dispatch quarantine — the mechanism this orchestrator uses
// to prevent the notification-storm failure mode section 5 treats as a hard
// requirement).
type quarantine struct {
	mu sync.Mutex

	lastByKind map[string]time.Time

	recentHashes [100]uint64
	recentAt     int

	statusAt map[string][]time.Time
}

func newQuarantine() *quarantine {
	return &quarantine{
		lastByKind: make(map[string]time.Time),
		statusAt:   make(map[string][]time.Time),
	}
}

func (e *Engine) q() *quarantine {
	e.quarantineOnce.Do(func() { e.quarantine = newQuarantine() })
	return e.quarantine
}

func eventHash(kind, target, message string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(target))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(message))
	return h.Sum64()
}

// allowEvent reports whether an event-kind-rate-limited dispatch (one per
// kind per 500ms) and dedup (against the last 100 events by content hash)
// both pass, recording the event as seen if so.
func (q *quarantine) allowEvent(now time.Time, kind, target, message string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash := eventHash(kind, target, message)
	for _, h := range q.recentHashes {
		if h == hash && h != 0 {
			return false
		}
	}

	if last, ok := q.lastByKind[kind]; ok && now.Sub(last) < 500*time.Millisecond {
		return false
	}

	q.lastByKind[kind] = now
	q.recentHashes[q.recentAt%len(q.recentHashes)] = hash
	q.recentAt++
	return true
}

// allowStatusReport enforces the 5-per-5-minute sliding window per role for
// status-report messages to the orchestrator.
func (q *quarantine) allowStatusReport(now time.Time, role string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-5 * time.Minute)
	kept := q.statusAt[role][:0]
	for _, t := range q.statusAt[role] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= 5 {
		q.statusAt[role] = kept
		return false
	}
	q.statusAt[role] = append(kept, now)
	return true
}

// DispatchEvent delivers an ad hoc event (raised by C9/C10, not a
// ScheduledTask) through Sender, subject to the quarantine's per-kind rate
// limit and content dedup. Returns nil without sending when quarantined —
// that is the intended suppression, not an error.
func (e *Engine) DispatchEvent(kind, target, from, message string) error {
	if !e.q().allowEvent(time.Now(), kind, target, message) {
		return nil
	}
	return e.Sender.Send(target, from, message)
}

// DispatchStatusReport delivers a status report from role to the
// orchestrator hub, subject to the per-role 5-per-5-minute window. Returns
// nil without sending when the role has exceeded its window.
func (e *Engine) DispatchStatusReport(role, hubTarget, message string) error {
	if !e.q().allowStatusReport(time.Now(), role) {
		return nil
	}
	return e.Sender.Send(hubTarget, role, message)
}
