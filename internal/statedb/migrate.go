package statedb

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the version Migrate brings a database to.
const SchemaVersion = 2

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order; each one commits with its version.
var migrations = []migration{
	{
		version: 1,
		name:    "sessions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id                TEXT PRIMARY KEY,
				host              TEXT NOT NULL,
				name              TEXT NOT NULL,
				path              TEXT NOT NULL DEFAULT '',
				model             TEXT NOT NULL DEFAULT '',
				state             TEXT NOT NULL DEFAULT '',
				healthcheck_retry INTEGER NOT NULL DEFAULT 0,
				sort_order        INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL,
				last_seen         INTEGER NOT NULL DEFAULT 0,
				agent_data        TEXT NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS sessions_host ON sessions (host)`,
			`CREATE TABLE IF NOT EXISTS process_heartbeats (
				pid       INTEGER PRIMARY KEY,
				role      TEXT NOT NULL DEFAULT '',
				started   INTEGER NOT NULL,
				heartbeat INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "checkpoints",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				session_id  TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
				view        TEXT NOT NULL,
				event_count INTEGER NOT NULL DEFAULT 0,
				updated_at  INTEGER NOT NULL
			)`,
		},
	},
}

// Migrate creates the metadata table and applies every pending migration.
func (s *StateDB) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current, err := s.Version()
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateDB) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(m.version),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

// Version returns the applied schema version, 0 for a fresh database.
func (s *StateDB) Version() (int, error) {
	val, err := s.GetMeta("schema_version")
	if err != nil {
		return 0, fmt.Errorf("statedb: read schema version: %w", err)
	}
	if val == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("statedb: bad schema version %q: %w", val, err)
	}
	return v, nil
}
