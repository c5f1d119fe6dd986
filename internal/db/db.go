package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsprackett/prd-relay/internal/auth"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	// At most one row; id is pinned to 1.
	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS auth_session (
			id            INTEGER PRIMARY KEY CHECK (id = 1),
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			session_key   TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			client_type   TEXT NOT NULL DEFAULT 'desktop',
			updated_at    INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create auth_session: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS stream_runs (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			events     INTEGER NOT NULL DEFAULT 0,
			bytes      INTEGER NOT NULL DEFAULT 0,
			error      TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			ended_at   INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create stream_runs: %w", err)
	}

	// Add path column to existing DBs; ignore "duplicate column" errors.
	if _, alterErr := d.sql.Exec(`ALTER TABLE stream_runs ADD COLUMN path TEXT NOT NULL DEFAULT ''`); alterErr != nil {
		if !isDuplicateColumnError(alterErr) {
			return fmt.Errorf("alter stream_runs add path: %w", alterErr)
		}
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_stream_runs_started ON stream_runs(started_at DESC)`); err != nil {
		return fmt.Errorf("index stream_runs: %w", err)
	}

	return nil
}

// SaveSession persists the credential set, replacing any previous one.
func (d *DB) SaveSession(s auth.Session) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO auth_session (
			id, access_token, refresh_token, session_key, user_id, client_type, updated_at
		) VALUES (1,?,?,?,?,?,?)`,
		s.AccessToken, s.RefreshToken, s.SessionKey, s.UserID, s.ClientType, time.Now().UnixMilli(),
	)
	return err
}

// LoadSession returns the persisted credential set. ok is false when none
// has been saved.
func (d *DB) LoadSession() (s auth.Session, ok bool, err error) {
	err = d.sql.QueryRow(`
		SELECT access_token, refresh_token, session_key, user_id, client_type
		FROM auth_session WHERE id = 1`,
	).Scan(&s.AccessToken, &s.RefreshToken, &s.SessionKey, &s.UserID, &s.ClientType)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, false, nil
	}
	if err != nil {
		return auth.Session{}, false, err
	}
	return s, true, nil
}

func (d *DB) DeleteSession() error {
	_, err := d.sql.Exec("DELETE FROM auth_session")
	return err
}

func (d *DB) RecordRun(r StreamRun) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO stream_runs (
			id, kind, target, path, outcome, events, bytes, error, started_at, ended_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Kind, r.Target, r.Path, r.Outcome, r.Events, r.Bytes, r.Error,
		r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
	)
	return err
}

// RecentRuns returns up to limit runs, newest first.
func (d *DB) RecentRuns(limit int) ([]StreamRun, error) {
	rows, err := d.sql.Query(`
		SELECT id, kind, target, path, outcome, events, bytes, error, started_at, ended_at
		FROM stream_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []StreamRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *DB) GetRun(id string) (StreamRun, error) {
	row := d.sql.QueryRow(`
		SELECT id, kind, target, path, outcome, events, bytes, error, started_at, ended_at
		FROM stream_runs WHERE id = ?`, id)
	return scanRun(row)
}

// PruneRuns keeps the newest keep runs and deletes the rest.
func (d *DB) PruneRuns(keep int) (int64, error) {
	res, err := d.sql.Exec(`
		DELETE FROM stream_runs WHERE id NOT IN (
			SELECT id FROM stream_runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (StreamRun, error) {
	var r StreamRun
	var startedAt, endedAt int64
	err := row.Scan(&r.ID, &r.Kind, &r.Target, &r.Path, &r.Outcome, &r.Events, &r.Bytes, &r.Error, &startedAt, &endedAt)
	if err != nil {
		return StreamRun{}, err
	}
	r.StartedAt = time.UnixMilli(startedAt)
	r.EndedAt = time.UnixMilli(endedAt)
	return r, nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
