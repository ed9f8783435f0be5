package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/relaycrew/conductor/internal/model"
)

const authCols = `id, session_name, request_id, priority, from_role, to_role, action, timeout_minutes, status, created_at, resolved_at, resolution`

func scanAuth(row interface{ Scan(...any) error }) (*model.Authorization, error) {
	var a model.Authorization
	var createdAt, resolvedAt, status string
	if err := row.Scan(&a.ID, &a.SessionName, &a.RequestID, &a.Priority, &a.FromRole, &a.ToRole,
		&a.Action, &a.TimeoutMinutes, &status, &createdAt, &resolvedAt, &a.Resolution); err != nil {
		return nil, err
	}
	a.Status = model.AuthorizationStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.ResolvedAt = parseTime(resolvedAt)
	return &a, nil
}

// CreateAuthorization inserts a new PENDING cross-role approval request.
func (s *Store) CreateAuthorization(a model.Authorization) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO authorizations
			(session_name, request_id, priority, from_role, to_role, action, timeout_minutes, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING', ?)`,
			a.SessionName, a.RequestID, a.Priority, a.FromRole, a.ToRole, a.Action, a.TimeoutMinutes, fmtTime(a.CreatedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetAuthorizationByRequestID looks up a request by its caller-supplied
// request_id (a google/uuid value), used when an agent polls for the
// outcome of its own earlier request.
func (s *Store) GetAuthorizationByRequestID(requestID string) (*model.Authorization, error) {
	row := s.db.QueryRow(`SELECT `+authCols+` FROM authorizations WHERE request_id = ?`, requestID)
	a, err := scanAuth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ResolveAuthorization moves a PENDING request to a terminal status
// (APPROVED/DENIED/ESCALATED) with a resolution note, recording the time.
func (s *Store) ResolveAuthorization(id int64, status model.AuthorizationStatus, resolution string, resolvedAt time.Time) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE authorizations SET status = ?, resolution = ?, resolved_at = ? WHERE id = ? AND status = 'PENDING'`,
			string(status), resolution, fmtTime(resolvedAt), id)
		return err
	})
}

// PendingAuthorizationsForSession returns all still-open requests for a
// session, ordered by priority then age, so callers can find requests
// nearing their PriorityTimeout for one session at a time.
func (s *Store) PendingAuthorizationsForSession(session string) ([]*model.Authorization, error) {
	rows, err := s.db.Query(`SELECT `+authCols+` FROM authorizations
		WHERE session_name = ? AND status = 'PENDING' ORDER BY priority ASC, created_at ASC`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Authorization
	for rows.Next() {
		a, err := scanAuth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllPending returns every PENDING authorization across all sessions, used
// by the Health Monitor's periodic escalation sweep (internal/health).
func (s *Store) AllPending() ([]*model.Authorization, error) {
	rows, err := s.db.Query(`SELECT ` + authCols + ` FROM authorizations WHERE status = 'PENDING' ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Authorization
	for rows.Next() {
		a, err := scanAuth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
