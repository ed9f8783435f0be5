// Package store is conductor's single embedded relational store: the task
// queue, project queue, agent-health, authorization, and session-state
// tables all live in one WAL-mode SQLite file, following the pattern in
// jaakkos-stringwork's internal/repository/sqlite package (schema-in-Go,
// forward-only migrations applied at Open, busy-timeout + WAL pragmas).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrLocked is returned when the store could not acquire a write transaction
// after exhausting the retry budget.
var ErrLocked = errors.New("database is locked")

// ErrSchemaVersion is returned when an on-disk database reports a newer
// schema version than this binary understands.
var ErrSchemaVersion = errors.New("unsupported schema version")

// schemaVersion is bumped whenever migrations add new tables/columns.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spec_path TEXT NOT NULL,
	project_path TEXT NOT NULL,
	status TEXT NOT NULL,
	main_session TEXT NOT NULL DEFAULT '',
	enqueued_at TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	batch_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	failed_components TEXT NOT NULL DEFAULT '',
	merged_status TEXT NOT NULL DEFAULT '',
	merged_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_processing_session
	ON projects(main_session) WHERE status = 'PROCESSING' AND main_session != '';

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL,
	role TEXT NOT NULL,
	window_index INTEGER NOT NULL DEFAULT 0,
	interval_minutes INTEGER NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	next_run_epoch INTEGER NOT NULL,
	one_shot INTEGER NOT NULL DEFAULT 0,
	last_dispatched_epoch INTEGER NOT NULL DEFAULT 0,
	dispatch_count INTEGER NOT NULL DEFAULT 0,
	dedup_key TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run_epoch);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup_pending
	ON scheduled_tasks(dedup_key) WHERE state != 'done';

CREATE TABLE IF NOT EXISTS session_states (
	project_name TEXT PRIMARY KEY,
	session_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	blob TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_health (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_name TEXT NOT NULL,
	role TEXT NOT NULL,
	window_index INTEGER NOT NULL DEFAULT 0,
	checked_at TEXT NOT NULL,
	pane_command TEXT NOT NULL DEFAULT '',
	claude_present INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT '',
	is_stuck INTEGER NOT NULL DEFAULT 0,
	stuck_since TEXT NOT NULL DEFAULT '',
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	last_recovery_epoch INTEGER NOT NULL DEFAULT 0,
	health_blob TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_health_project ON agent_health(project_id);

CREATE TABLE IF NOT EXISTS authorizations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL,
	request_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	from_role TEXT NOT NULL,
	to_role TEXT NOT NULL,
	action TEXT NOT NULL,
	timeout_minutes INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TEXT NOT NULL,
	resolved_at TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_auth_session_status ON authorizations(session_name, status);
CREATE INDEX IF NOT EXISTS idx_auth_priority_created ON authorizations(priority, created_at);

CREATE TABLE IF NOT EXISTS failure_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	project_id INTEGER NOT NULL,
	session_name TEXT NOT NULL,
	reason_tag TEXT NOT NULL,
	duration_hrs REAL NOT NULL DEFAULT 0,
	spec_path TEXT NOT NULL DEFAULT '',
	agent_count INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	report_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_failures_timestamp ON failure_records(timestamp);
`

// Store wraps the SQLite connection. All exported methods are safe for
// concurrent use by the scheduler, health monitor, and auto-merge processes
// (WAL mode allows concurrent readers; writers serialize via withWriteTx's
// retry-with-backoff).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store at path, applies the schema
// and any pending migrations, and returns a ready Store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// Single-writer discipline: WAL allows many readers but SQLite still
	// serializes writers. Capping MaxOpenConns prevents this process from
	// fighting itself across goroutines; cross-process writers still
	// contend via busy_timeout + our own retry-with-backoff.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	var versionStr string
	err := s.db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&versionStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO schema_meta (key, value) VALUES ('version', ?)`, fmt.Sprint(schemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	}

	var onDisk int
	if _, err := fmt.Sscanf(versionStr, "%d", &onDisk); err != nil {
		return fmt.Errorf("parsing schema version %q: %w", versionStr, err)
	}
	if onDisk > schemaVersion {
		return fmt.Errorf("%w: store is version %d, binary supports %d", ErrSchemaVersion, onDisk, schemaVersion)
	}
	// Forward-only: future versions would run incremental ALTER TABLEs here,
	// guarded by onDisk < N, then bump schema_meta. Nothing to do yet at v1.
	return nil
}

// retryBackoff is the capped exponential backoff schedule for "database is
// locked" errors: 50ms, 100ms, 200ms, ... capped at 1s, about 6.5s of waiting
// in total.
var retryBackoff = []time.Duration{
	50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond,
	400 * time.Millisecond, 800 * time.Millisecond, 1 * time.Second,
	1 * time.Second, 1 * time.Second, 1 * time.Second, 1 * time.Second,
}

func isBusyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// withWriteTx runs fn inside a transaction (database/sql's default BEGIN), retrying with
// capped backoff on "database is locked", and committing on success.
func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) error {
	var lastErr error
	for _, wait := range append([]time.Duration{0}, retryBackoff...) {
		if wait > 0 {
			time.Sleep(wait)
		}
		tx, err := s.db.Begin()
		if err != nil {
			if isBusyErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusyErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusyErr(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrLocked, lastErr)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
