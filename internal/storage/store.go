// Package storage persists users, messages, gateway sightings, subscriptions
// and the command audit log in SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. database/sql pools connections, so one Store
// is safe for concurrent use by the ingestion client and the command
// listener.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL UNIQUE,
		username   TEXT NOT NULL,
		mesh_id    TEXT,
		role       INTEGER,
		created_at TEXT NOT NULL,
		last_seen  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_users_user_id ON users(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id    TEXT NOT NULL UNIQUE,
		sender_id     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		sender_name   TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		gateway_count INTEGER NOT NULL DEFAULT 1,
		rssi          INTEGER,
		snr           REAL,
		payload       TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

	CREATE TABLE IF NOT EXISTS message_gateways (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		gateway_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(message_id, gateway_id)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id           INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		subscription_type TEXT NOT NULL,
		is_active         INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS command_logs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       INTEGER NOT NULL,
		username      TEXT NOT NULL,
		mesh_id       TEXT,
		command       TEXT NOT NULL,
		response_sent INTEGER NOT NULL DEFAULT 1,
		rate_limited  INTEGER NOT NULL DEFAULT 0,
		timestamp     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_command_logs_user ON command_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_command_logs_timestamp ON command_logs(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
