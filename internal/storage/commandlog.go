package storage

import (
	"context"
	"fmt"
	"time"
)

// CommandLogEntry is one audited command invocation.
type CommandLogEntry struct {
	ID           int64
	UserID       int64
	Username     string
	MeshID       *string
	Command      string
	ResponseSent bool
	RateLimited  bool
	Timestamp    time.Time
}

// LogCommand appends one entry to the command audit log.
func (s *Store) LogCommand(ctx context.Context, userID int64, username string, meshID *string, command string, responseSent, rateLimited bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_logs (user_id, username, mesh_id, command, response_sent, rate_limited, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, username, meshID, command, responseSent, rateLimited, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("log command for user %d: %w", userID, err)
	}
	return nil
}

// CommandLogForUser returns the most recent audit entries for a user, newest
// first.
func (s *Store) CommandLogForUser(ctx context.Context, userID int64, limit int) ([]CommandLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, username, mesh_id, command, response_sent, rate_limited, timestamp
		 FROM command_logs WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("command log for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []CommandLogEntry
	for rows.Next() {
		var e CommandLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.MeshID, &e.Command, &e.ResponseSent, &e.RateLimited, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
