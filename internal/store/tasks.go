package store

import (
	"database/sql"
	"errors"

	"github.com/relaycrew/conductor/internal/model"
)

const taskCols = `id, session_name, role, window_index, interval_minutes, note, next_run_epoch, one_shot, last_dispatched_epoch, dispatch_count, dedup_key, state`

func scanTask(row interface{ Scan(...any) error }) (*model.ScheduledTask, error) {
	var t model.ScheduledTask
	var oneShot int
	var state string
	if err := row.Scan(&t.ID, &t.SessionName, &t.Role, &t.WindowIndex, &t.IntervalMinutes,
		&t.Note, &t.NextRunEpoch, &oneShot, &t.LastDispatchedEpoch, &t.DispatchCount,
		&t.DedupKey, &state); err != nil {
		return nil, err
	}
	t.OneShot = oneShot != 0
	return &t, nil
}

// EnqueueTask idempotently inserts a ScheduledTask keyed by DedupKey. If a
// non-done task with the same dedup_key already exists, its row is returned
// unchanged rather than duplicated (spec.md §4.7/§8 dedup invariant).
func (s *Store) EnqueueTask(t model.ScheduledTask) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT id FROM scheduled_tasks WHERE dedup_key = ? AND state != 'done'`, t.DedupKey)
		var existing int64
		err := row.Scan(&existing)
		switch {
		case err == nil:
			id = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		oneShot := 0
		if t.OneShot {
			oneShot = 1
		}
		res, err := tx.Exec(`INSERT INTO scheduled_tasks
			(session_name, role, window_index, interval_minutes, note, next_run_epoch, one_shot, dedup_key, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
			t.SessionName, t.Role, t.WindowIndex, t.IntervalMinutes, t.Note, t.NextRunEpoch, oneShot, t.DedupKey)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimDue atomically selects all pending tasks with next_run_epoch <= now,
// marks them 'dispatching' in the same transaction, and returns them for the
// caller to deliver. This is the "claim-and-mark" pattern spec.md §4.7
// requires so two scheduler loops never double-dispatch the same task.
func (s *Store) ClaimDue(nowEpoch int64) ([]*model.ScheduledTask, error) {
	var claimed []*model.ScheduledTask
	err := s.withWriteTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT `+taskCols+` FROM scheduled_tasks
			WHERE state = 'pending' AND next_run_epoch <= ?
			ORDER BY next_run_epoch ASC, id ASC`, nowEpoch)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, t)
			ids = append(ids, t.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'dispatching' WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

// CompleteDispatch records a successful delivery. One-shot tasks are marked
// 'done' (terminal, freeing their dedup_key); recurring tasks are rescheduled
// to nextRunEpoch and returned to 'pending'. This satisfies the universal
// invariant that dispatch_due leaves every task either done or with
// next_run_epoch strictly greater than the dispatch time.
func (s *Store) CompleteDispatch(id int64, nowEpoch, nextRunEpoch int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT one_shot FROM scheduled_tasks WHERE id = ?`, id)
		var oneShot int
		if err := row.Scan(&oneShot); err != nil {
			return err
		}
		if oneShot != 0 {
			_, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'done', last_dispatched_epoch = ?, dispatch_count = dispatch_count + 1 WHERE id = ?`, nowEpoch, id)
			return err
		}
		_, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'pending', last_dispatched_epoch = ?,
			dispatch_count = dispatch_count + 1, next_run_epoch = ? WHERE id = ?`, nowEpoch, nextRunEpoch, id)
		return err
	})
}

// FailDispatch returns a claimed task to 'pending' without advancing
// next_run_epoch, so the scheduler's next tick retries delivery. The
// scheduler's dispatch path does not call it: every failed send there goes
// through BackoffDispatch.
func (s *Store) FailDispatch(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'pending' WHERE id = ?`, id)
		return err
	})
}

// BackoffDispatch returns a claimed task to 'pending' with next_run_epoch
// pushed out to nextRunEpoch and dispatch_count incremented, used when
// delivery genuinely failed (as opposed to FailDispatch's immediate retry for
// a transient send error) so a persistently unreachable target backs off
// instead of spinning the scheduler's one-second tick against it forever
// (spec.md §4.7 exponential backoff).
func (s *Store) BackoffDispatch(id int64, nowEpoch, nextRunEpoch int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'pending', last_dispatched_epoch = ?,
			dispatch_count = dispatch_count + 1, next_run_epoch = ? WHERE id = ?`, nowEpoch, nextRunEpoch, id)
		return err
	})
}

// RemoveTask deletes a task outright, the administrative counterpart to
// EnqueueTask used by the scheduler's remove(id) operation.
func (s *Store) RemoveTask(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
		return err
	})
}

// CancelTasksForSession marks every non-done task for a session 'done'
// without dispatching, used when a project is torn down (spec.md §4.10
// cleanup step) so stale check-ins don't fire against a dead session.
func (s *Store) CancelTasksForSession(session string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE scheduled_tasks SET state = 'done' WHERE session_name = ? AND state != 'done'`, session)
		return err
	})
}

// ListPendingForSession returns all pending/dispatching tasks for a session,
// ordered by next run time.
func (s *Store) ListPendingForSession(session string) ([]*model.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT `+taskCols+` FROM scheduled_tasks
		WHERE session_name = ? AND state != 'done' ORDER BY next_run_epoch ASC, id ASC`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllTasks returns every non-done task across all sessions, for the
// `scheduler --list` administrative command.
func (s *Store) ListAllTasks() ([]*model.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT ` + taskCols + ` FROM scheduled_tasks WHERE state != 'done' ORDER BY next_run_epoch ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
