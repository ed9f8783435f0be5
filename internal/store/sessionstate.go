package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaycrew/conductor/internal/model"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("not found")

// sessionStateRow is the JSON-serializable subset of model.SessionState that
// doesn't have its own table column (phases, agents, metrics).
type sessionStateRow struct {
	PhasesCompleted  []string                     `json:"phases_completed"`
	Agents           map[string]*model.AgentState `json:"agents"`
	FailureReason    string                       `json:"failure_reason"`
	SubscriptionPlan string                       `json:"subscription_plan"`
	VelocityMetrics  map[string]float64           `json:"velocity_metrics"`
}

// SaveSessionState upserts the full SessionState for a project, keyed by
// project name. The volatile per-agent fields live in a single JSON blob
// column, matching jaakkos-stringwork's store.go pattern of keeping one
// flat row per aggregate rather than a join-heavy agent table.
func (s *Store) SaveSessionState(st model.SessionState) error {
	blob, err := json.Marshal(sessionStateRow{
		PhasesCompleted:  st.PhasesCompleted,
		Agents:           st.Agents,
		FailureReason:    st.FailureReason,
		SubscriptionPlan: st.SubscriptionPlan,
		VelocityMetrics:  st.VelocityMetrics,
	})
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO session_states (project_name, session_name, created_at, blob)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(project_name) DO UPDATE SET session_name = excluded.session_name, blob = excluded.blob`,
			st.ProjectName, st.SessionName, fmtTime(st.CreatedAt), string(blob))
		return err
	})
}

// LoadSessionState fetches a project's SessionState by project name.
func (s *Store) LoadSessionState(projectName string) (*model.SessionState, error) {
	var sessionName, createdAt, blob string
	err := s.db.QueryRow(`SELECT session_name, created_at, blob FROM session_states WHERE project_name = ?`, projectName).
		Scan(&sessionName, &createdAt, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var row sessionStateRow
	if err := json.Unmarshal([]byte(blob), &row); err != nil {
		return nil, fmt.Errorf("unmarshaling session state for %q: %w", projectName, err)
	}

	return &model.SessionState{
		ProjectName:      projectName,
		SessionName:      sessionName,
		CreatedAt:        parseTime(createdAt),
		PhasesCompleted:  row.PhasesCompleted,
		Agents:           row.Agents,
		FailureReason:    row.FailureReason,
		SubscriptionPlan: row.SubscriptionPlan,
		VelocityMetrics:  row.VelocityMetrics,
	}, nil
}

// DeleteSessionState removes a project's persisted state, used by the
// Completion & Failure Handler's cleanup step once a terminal report has
// been written.
func (s *Store) DeleteSessionState(projectName string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM session_states WHERE project_name = ?`, projectName)
		return err
	})
}
