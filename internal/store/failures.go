package store

import (
	"database/sql"

	"github.com/relaycrew/conductor/internal/model"
)

const failureCols = `id, timestamp, project_id, session_name, reason_tag, duration_hrs, spec_path, agent_count, notes, report_path`

func scanFailure(row interface{ Scan(...any) error }) (*model.FailureRecord, error) {
	var f model.FailureRecord
	var ts string
	if err := row.Scan(&f.ID, &ts, &f.ProjectID, &f.SessionName, &f.ReasonTag, &f.DurationHrs,
		&f.SpecPath, &f.AgentCount, &f.Notes, &f.ReportPath); err != nil {
		return nil, err
	}
	f.Timestamp = parseTime(ts)
	return &f, nil
}

// AppendFailure writes one entry to the append-only failure journal (spec.md
// §4.10: every project failure, whatever the cause, gets exactly one
// FailureRecord before the project leaves PROCESSING).
func (s *Store) AppendFailure(f model.FailureRecord) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO failure_records
			(timestamp, project_id, session_name, reason_tag, duration_hrs, spec_path, agent_count, notes, report_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fmtTime(f.Timestamp), f.ProjectID, f.SessionName, f.ReasonTag, f.DurationHrs,
			f.SpecPath, f.AgentCount, f.Notes, f.ReportPath)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListFailuresForProject returns every failure ever recorded against a
// project, most recent first.
func (s *Store) ListFailuresForProject(projectID int64) ([]*model.FailureRecord, error) {
	rows, err := s.db.Query(`SELECT `+failureCols+` FROM failure_records WHERE project_id = ? ORDER BY timestamp DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.FailureRecord
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
