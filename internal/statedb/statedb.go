// Package statedb persists the session registry and reducer checkpoints in
// SQLite.
package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// StateDB wraps a SQLite database for registry persistence.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// SessionRow is one known session. ID is "host|name".
type SessionRow struct {
	ID               string
	Host             string
	Name             string
	Path             string
	Model            string
	State            string
	HealthcheckRetry int
	Order            int
	CreatedAt        time.Time
	LastSeen         time.Time
	// AgentData is the redacted agent config as JSON.
	AgentData json.RawMessage
}

// CheckpointRow is the last reduced view persisted for a session.
type CheckpointRow struct {
	SessionID  string
	View       json.RawMessage
	EventCount int
	UpdatedAt  time.Time
}

// ProcessRow is a live agentsession process (serve, run).
type ProcessRow struct {
	PID       int
	Role      string
	Started   time.Time
	Heartbeat time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection
	// gets them: busy timeout (wait up to 5s for another process's lock)
	// and foreign keys (checkpoint cascade).
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing. Persistent, so
	// setting it once is enough.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// OpenAndMigrate opens dbPath and brings the schema up to date.
func OpenAndMigrate(dbPath string) (*StateDB, error) {
	s, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// IsEmpty returns true if no session is recorded.
func (s *StateDB) IsEmpty() (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// --- Sessions ---

const sessionColumns = `id, host, name, path, model, state, healthcheck_retry,
	sort_order, created_at, last_seen, agent_data`

// SaveSession inserts or replaces a single session.
func (s *StateDB) SaveSession(row *SessionRow) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, sessionArgs(row)...)
	if err != nil {
		return fmt.Errorf("statedb: save session %s: %w", row.ID, err)
	}
	return nil
}

// SaveSessions replaces the whole table in one transaction, so sessions
// missing from rows do not reappear on reload.
func (s *StateDB) SaveSessions(rows []*SessionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(rows) == 0 {
		if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
			return err
		}
	} else {
		placeholders := make([]string, len(rows))
		args := make([]any, len(rows))
		for i, row := range rows {
			placeholders[i] = "?"
			args[i] = row.ID
		}
		query := "DELETE FROM sessions WHERE id NOT IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(sessionArgs(row)...); err != nil {
			return fmt.Errorf("statedb: save session %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

func sessionArgs(row *SessionRow) []any {
	agent := row.AgentData
	if len(agent) == 0 {
		agent = json.RawMessage("{}")
	}
	lastSeen := int64(0)
	if !row.LastSeen.IsZero() {
		lastSeen = row.LastSeen.Unix()
	}
	return []any{
		row.ID, row.Host, row.Name, row.Path, row.Model, row.State, row.HealthcheckRetry,
		row.Order, row.CreatedAt.Unix(), lastSeen, string(agent),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*SessionRow, error) {
	r := &SessionRow{}
	var createdUnix, seenUnix int64
	var agent string
	if err := sc.Scan(
		&r.ID, &r.Host, &r.Name, &r.Path, &r.Model, &r.State, &r.HealthcheckRetry,
		&r.Order, &createdUnix, &seenUnix, &agent,
	); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdUnix, 0)
	if seenUnix > 0 {
		r.LastSeen = time.Unix(seenUnix, 0)
	}
	r.AgentData = json.RawMessage(agent)
	return r, nil
}

// LoadSessions returns all sessions ordered by sort_order, then name.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetSession returns the row for id, or nil if none.
func (s *StateDB) GetSession(id string) (*SessionRow, error) {
	r, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// DeleteSession removes a session and its checkpoint.
func (s *StateDB) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

// UpdateSessionState records the orchestrator state and retry counter.
func (s *StateDB) UpdateSessionState(id, state string, healthcheckRetry int) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET state = ?, healthcheck_retry = ?, last_seen = ? WHERE id = ?",
		state, healthcheckRetry, time.Now().Unix(), id,
	)
	return err
}

// --- Checkpoints ---

// SaveCheckpoint stores the latest reduced view of a session.
func (s *StateDB) SaveCheckpoint(cp *CheckpointRow) error {
	view := cp.View
	if len(view) == 0 {
		view = json.RawMessage("{}")
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO checkpoints (session_id, view, event_count, updated_at)
		VALUES (?, ?, ?, ?)
	`, cp.SessionID, string(view), cp.EventCount, updated.UnixNano())
	if err != nil {
		return fmt.Errorf("statedb: save checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for a session, or nil if none.
func (s *StateDB) LoadCheckpoint(sessionID string) (*CheckpointRow, error) {
	cp := &CheckpointRow{SessionID: sessionID}
	var view string
	var updated int64
	err := s.db.QueryRow(
		"SELECT view, event_count, updated_at FROM checkpoints WHERE session_id = ?", sessionID,
	).Scan(&view, &cp.EventCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.View = json.RawMessage(view)
	cp.UpdatedAt = time.Unix(0, updated)
	return cp, nil
}

// --- Process heartbeats ---

// RegisterProcess records this process as live under role.
func (s *StateDB) RegisterProcess(role string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO process_heartbeats (pid, role, started, heartbeat)
		VALUES (?, ?, ?, ?)
	`, s.pid, role, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE process_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterProcess removes this process from the heartbeat table.
func (s *StateDB) UnregisterProcess() error {
	_, err := s.db.Exec("DELETE FROM process_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadProcesses removes entries not refreshed within timeout.
func (s *StateDB) CleanDeadProcesses(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM process_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveProcesses returns processes with a heartbeat within timeout.
func (s *StateDB) AliveProcesses(timeout time.Duration) ([]ProcessRow, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	rows, err := s.db.Query(
		"SELECT pid, role, started, heartbeat FROM process_heartbeats WHERE heartbeat >= ? ORDER BY pid",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ProcessRow
	for rows.Next() {
		var p ProcessRow
		var started, beat int64
		if err := rows.Scan(&p.PID, &p.Role, &started, &beat); err != nil {
			return nil, err
		}
		p.Started = time.Unix(started, 0)
		p.Heartbeat = time.Unix(beat, 0)
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch updates a timestamp other processes can poll to notice registry changes.
func (s *StateDB) Touch() error {
	return s.SetMeta("last_modified", strconv.FormatInt(time.Now().UnixNano(), 10))
}

// LastModified returns the last_modified timestamp from metadata.
func (s *StateDB) LastModified() (int64, error) {
	val, err := s.GetMeta("last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
