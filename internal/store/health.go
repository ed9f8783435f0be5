package store

import (
	"database/sql"
	"time"

	"github.com/relaycrew/conductor/internal/model"
)

const healthCols = `id, project_id, session_name, role, window_index, checked_at, pane_command, claude_present, status, is_stuck, stuck_since, recovery_attempts, last_recovery_epoch, health_blob`

func scanHealth(row interface{ Scan(...any) error }) (*model.AgentHealth, error) {
	var h model.AgentHealth
	var checkedAt, stuckSince string
	var claudePresent, isStuck int
	var status string
	if err := row.Scan(&h.ID, &h.ProjectID, &h.SessionName, &h.Role, &h.WindowIndex,
		&checkedAt, &h.PaneCommand, &claudePresent, &status, &isStuck, &stuckSince,
		&h.RecoveryAttempts, &h.LastRecoveryEpoch, &h.HealthBlob); err != nil {
		return nil, err
	}
	h.CheckedAt = parseTime(checkedAt)
	h.StuckSince = parseTime(stuckSince)
	h.ClaudePresent = claudePresent != 0
	h.IsStuck = isStuck != 0
	h.Status = model.HealthStatus(status)
	return &h, nil
}

// RecordHealth appends one health snapshot. Append-mostly: the Health
// Monitor sweep writes a new row every cycle rather than updating the
// previous one, so recovery-attempt history and stuck-duration can be
// reconstructed from the log later.
func (s *Store) RecordHealth(h model.AgentHealth) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		claudePresent, isStuck := 0, 0
		if h.ClaudePresent {
			claudePresent = 1
		}
		if h.IsStuck {
			isStuck = 1
		}
		res, err := tx.Exec(`INSERT INTO agent_health
			(project_id, session_name, role, window_index, checked_at, pane_command, claude_present,
			 status, is_stuck, stuck_since, recovery_attempts, last_recovery_epoch, health_blob)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ProjectID, h.SessionName, h.Role, h.WindowIndex, fmtTime(h.CheckedAt), h.PaneCommand,
			claudePresent, string(h.Status), isStuck, fmtTime(h.StuckSince), h.RecoveryAttempts,
			h.LastRecoveryEpoch, h.HealthBlob)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// LatestHealthByProject returns the most recent health row per (role,
// window_index) for a project, used by the Health Monitor to compute
// current status without rescanning the whole history.
func (s *Store) LatestHealthByProject(projectID int64) ([]*model.AgentHealth, error) {
	rows, err := s.db.Query(`SELECT `+healthCols+` FROM agent_health a
		WHERE project_id = ? AND id = (
			SELECT MAX(id) FROM agent_health b
			WHERE b.project_id = a.project_id AND b.role = a.role AND b.window_index = a.window_index
		)
		ORDER BY role ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AgentHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountDeathsSince returns the number of ZOMBIE/DEAD health rows recorded
// across all projects since the given time, used for mass-death correlation
// (spec.md §5 anti-notification-storm requirement): the Health Monitor calls
// this with a 30s-ago cutoff and escalates a single correlated alert once the
// count reaches 3.
func (s *Store) CountDeathsSince(since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agent_health
		WHERE status IN ('ZOMBIE', 'DEAD') AND checked_at >= ?`, fmtTime(since)).Scan(&n)
	return n, err
}
