package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a mesh node identity. UserID is the node's numeric mesh address;
// ID is the database row id referenced by messages and subscriptions.
type User struct {
	ID        int64
	UserID    int64
	Username  string
	MeshID    *string
	Role      *int64
	CreatedAt time.Time
	LastSeen  *time.Time
}

const userColumns = "id, user_id, username, mesh_id, role, created_at, last_seen"

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	var lastSeen sql.NullString
	err := row.Scan(&u.ID, &u.UserID, &u.Username, &u.MeshID, &u.Role, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	if lastSeen.Valid {
		t := parseTime(lastSeen.String)
		u.LastSeen = &t
	}
	return &u, nil
}

// GetUserByID looks a user up by mesh address. Returns (nil, nil) when the
// user does not exist.
func (s *Store) GetUserByID(ctx context.Context, userID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE user_id = ?", userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(ctx context.Context, userID int64, username string, meshID *string, role *int64) (*User, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (user_id, username, mesh_id, role, created_at) VALUES (?, ?, ?, ?, ?)",
		userID, username, meshID, role, now)
	if err != nil {
		return nil, fmt.Errorf("create user %d: %w", userID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, UserID: userID, Username: username, MeshID: meshID, Role: role, CreatedAt: parseTime(now)}, nil
}

// GetOrCreateUser resolves a user, creating the record on first sight.
func (s *Store) GetOrCreateUser(ctx context.Context, userID int64, username string, meshID *string, role *int64) (*User, error) {
	u, err := s.GetUserByID(ctx, userID)
	if err != nil || u != nil {
		return u, err
	}
	return s.CreateUser(ctx, userID, username, meshID, role)
}

// UpdateUsername replaces the stored display name for a node.
func (s *Store) UpdateUsername(ctx context.Context, userID int64, username string) (*User, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET username = ? WHERE user_id = ?", username, userID); err != nil {
		return nil, fmt.Errorf("update username for %d: %w", userID, err)
	}
	return s.GetUserByID(ctx, userID)
}

// UpdateRole replaces the stored device role for a node.
func (s *Store) UpdateRole(ctx context.Context, userID int64, role int64) (*User, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET role = ? WHERE user_id = ?", role, userID); err != nil {
		return nil, fmt.Errorf("update role for %d: %w", userID, err)
	}
	return s.GetUserByID(ctx, userID)
}

// TouchLastSeen records mesh activity for a node.
func (s *Store) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_seen = ? WHERE user_id = ?", formatTime(at), userID)
	if err != nil {
		return fmt.Errorf("touch last_seen for %d: %w", userID, err)
	}
	return nil
}
