package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaycrew/conductor/internal/model"
)

// ErrInvalidTransition is returned when a Project status change is not in
// the graph defined by model.CanTransition.
var ErrInvalidTransition = errors.New("invalid project status transition")

// ErrAnotherProjectProcessing is returned by TransitionProject when moving a
// project into PROCESSING would violate the single-concurrency invariant.
var ErrAnotherProjectProcessing = errors.New("another project is already processing")

func scanProject(row interface{ Scan(...any) error }) (*model.Project, error) {
	var p model.Project
	var enq, started, completed, merged string
	if err := row.Scan(&p.ID, &p.SpecPath, &p.ProjectPath, &p.Status, &p.MainSession,
		&enq, &started, &completed, &p.Attempts, &p.BatchID, &p.ErrorMessage,
		&p.FailedComponents, &p.MergedStatus, &merged); err != nil {
		return nil, err
	}
	p.EnqueuedAt = parseTime(enq)
	p.StartedAt = parseTime(started)
	p.CompletedAt = parseTime(completed)
	p.MergedAt = parseTime(merged)
	return &p, nil
}

const projectCols = `id, spec_path, project_path, status, main_session, enqueued_at, started_at, completed_at, attempts, batch_id, error_message, failed_components, merged_status, merged_at`

// EnqueueProject inserts a new QUEUED project and returns its assigned ID.
func (s *Store) EnqueueProject(p model.Project) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO projects
			(spec_path, project_path, status, main_session, enqueued_at, attempts, batch_id)
			VALUES (?, ?, 'QUEUED', '', ?, ?, ?)`,
			p.SpecPath, p.ProjectPath, fmtTime(p.EnqueuedAt), p.Attempts, p.BatchID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetProject fetches a single project by ID.
func (s *Store) GetProject(id int64) (*model.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// NextQueuedProject returns the oldest-enqueued QUEUED project with attempts
// below model.MaxAttempts, or nil if the queue is empty. It does not mutate
// state; pair with TransitionProject to actually promote it.
func (s *Store) NextQueuedProject() (*model.Project, error) {
	row := s.db.QueryRow(`SELECT `+projectCols+` FROM projects
		WHERE status = 'QUEUED' AND attempts < ?
		ORDER BY enqueued_at ASC, id ASC LIMIT 1`, model.MaxAttempts)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// HasProcessingProject reports whether any project currently holds PROCESSING
// status (the single-concurrency invariant, spec.md §8).
func (s *Store) HasProcessingProject() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM projects WHERE status = 'PROCESSING'`).Scan(&n)
	return n > 0, err
}

// DequeueNext atomically promotes the oldest QUEUED project (attempts below
// model.MaxAttempts) to PROCESSING and returns it. Returns (nil, nil) when
// nothing is promoted, either because the queue is empty or because another
// project already holds PROCESSING — both the existence check and the
// promotion happen in the same transaction, which is what makes the
// single-concurrency invariant (spec.md §4.8) race-free across two
// concurrent dequeuers rather than merely checked-then-acted-upon.
func (s *Store) DequeueNext() (*model.Project, error) {
	var promoted *model.Project
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE status = 'PROCESSING'`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		row := tx.QueryRow(`SELECT `+projectCols+` FROM projects
			WHERE status = 'QUEUED' AND attempts < ?
			ORDER BY enqueued_at ASC, id ASC LIMIT 1`, model.MaxAttempts)
		p, err := scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		p.Status = model.ProjectProcessing
		p.StartedAt = time.Now()
		if _, err := tx.Exec(`UPDATE projects SET status=?, started_at=? WHERE id=?`,
			p.Status, fmtTime(p.StartedAt), p.ID); err != nil {
			return err
		}
		promoted = p
		return nil
	})
	return promoted, err
}

// TransitionProject atomically moves a project to a new status, rejecting
// illegal transitions and enforcing the single-concurrency invariant when
// transitioning into PROCESSING.
func (s *Store) TransitionProject(id int64, to model.ProjectStatus, mutate func(p *model.Project)) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if err != nil {
			return fmt.Errorf("loading project %d: %w", id, err)
		}

		if !model.CanTransition(p.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
		}

		if to == model.ProjectProcessing {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE status = 'PROCESSING' AND id != ?`, id).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return ErrAnotherProjectProcessing
			}
		}

		p.Status = to
		if mutate != nil {
			mutate(p)
		}

		_, err = tx.Exec(`UPDATE projects SET status=?, main_session=?, started_at=?, completed_at=?,
			attempts=?, error_message=?, failed_components=?, merged_status=?, merged_at=? WHERE id=?`,
			p.Status, p.MainSession, fmtTime(p.StartedAt), fmtTime(p.CompletedAt),
			p.Attempts, p.ErrorMessage, p.FailedComponents, p.MergedStatus, fmtTime(p.MergedAt), id)
		return err
	})
}

// SetMainSession persists the tmux main_session for a project. Step 3 of the
// Lifecycle Engine (spec.md §4.6) calls this immediately after reserving the
// session name, before any tmux/git work happens, so Health Monitor phantom
// detection never mistakes an about-to-exist session for a dead one.
func (s *Store) SetMainSession(id int64, session string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE projects SET main_session = ? WHERE id = ?`, session, id)
		return err
	})
}

// ListByStatus returns all projects with the given status, oldest first.
func (s *Store) ListByStatus(status model.ProjectStatus) ([]*model.Project, error) {
	rows, err := s.db.Query(`SELECT `+projectCols+` FROM projects WHERE status = ? ORDER BY enqueued_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListCompletedUnmerged returns COMPLETED projects with merged_status in
// {null, PENDING_MERGE}, for the Auto-Merge Runner (C11).
func (s *Store) ListCompletedUnmerged(limit int) ([]*model.Project, error) {
	rows, err := s.db.Query(`SELECT `+projectCols+` FROM projects
		WHERE status = 'COMPLETED' AND merged_status IN ('', 'PENDING_MERGE')
		ORDER BY completed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RequeueFailed re-enqueues a FAILED project, preserving batch_id and the
// attempts count the Lifecycle Engine already bumped when it failed the
// project (spec.md §4.8, §9 open question). Returns an error once attempts
// has reached model.MaxAttempts — the caller (C8 Project Queue) is expected
// to surface that case to the notifier instead of requeuing.
func (s *Store) RequeueFailed(id int64, enrichedError string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if err != nil {
			return err
		}
		if p.Status != model.ProjectFailed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, model.ProjectQueued)
		}
		if p.Attempts >= model.MaxAttempts {
			return fmt.Errorf("project %d exhausted %d attempts", id, model.MaxAttempts)
		}
		_, err = tx.Exec(`UPDATE projects SET status='QUEUED', error_message=?, main_session='' WHERE id=?`,
			enrichedError, id)
		return err
	})
}

// ListAllProjects returns every project regardless of status, oldest
// enqueued first, for the `queue --list` administrative command.
func (s *Store) ListAllProjects() ([]*model.Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectCols + ` FROM projects ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetProject returns a FAILED or COMPLETED project to QUEUED with
// attempts cleared, for the `queue --reset <id>` administrative override —
// unlike RequeueFailed (automatic retry bookkeeping), this is an explicit
// operator decision and is not bound by model.MaxAttempts.
func (s *Store) ResetProject(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE projects SET status='QUEUED', attempts=0, error_message='',
			failed_components='', main_session='', started_at='', completed_at='' WHERE id=?`, id)
		return err
	})
}

// RemoveProject deletes a project outright. Refuses to remove a PROCESSING
// project — the operator must let it reach a terminal state (or the
// Health Monitor must fail it) before `queue --remove` can touch it, so the
// single-concurrency slot is never silently freed out from under a live
// worktree/session.
func (s *Store) RemoveProject(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRow(`SELECT status FROM projects WHERE id=?`, id).Scan(&status); err != nil {
			return err
		}
		if status == string(model.ProjectProcessing) {
			return fmt.Errorf("project %d is PROCESSING; wait for it to finish or fail it first", id)
		}
		_, err := tx.Exec(`DELETE FROM projects WHERE id=?`, id)
		return err
	})
}

// SetMergedStatus records the Auto-Merge Runner's (C11) outcome for a
// COMPLETED project. It writes merged_status/merged_at/error_message
// directly rather than going through TransitionProject, since merged_status
// moves independently of the Project status graph (a COMPLETED project
// stays COMPLETED whether its merge succeeded or failed).
func (s *Store) SetMergedStatus(id int64, status model.MergedStatus, mergedAt time.Time, errorMessage string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE projects SET merged_status=?, merged_at=?, error_message=? WHERE id=?`,
			status, fmtTime(mergedAt), errorMessage, id)
		return err
	})
}
