package storage

import (
	"context"
	"fmt"
	"time"
)

// Subscription is a user's standing request for a daily metric broadcast.
type Subscription struct {
	ID        int64
	UserID    int64
	Type      string
	IsActive  bool
	CreatedAt time.Time
}

// UpsertSubscription activates a subscription of the given type for a user,
// replacing any previous one.
func (s *Store) UpsertSubscription(ctx context.Context, userRowID int64, subType string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, subscription_type, is_active, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET subscription_type = excluded.subscription_type, is_active = 1, updated_at = excluded.updated_at`,
		userRowID, subType, now, now)
	if err != nil {
		return fmt.Errorf("upsert subscription for user %d: %w", userRowID, err)
	}
	return nil
}

// DeactivateSubscriptions cancels all subscriptions for a user.
func (s *Store) DeactivateSubscriptions(ctx context.Context, userRowID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET is_active = 0, updated_at = ? WHERE user_id = ?",
		formatTime(time.Now()), userRowID)
	if err != nil {
		return fmt.Errorf("deactivate subscriptions for user %d: %w", userRowID, err)
	}
	return nil
}

// ActiveSubscriptions lists a user's active subscriptions.
func (s *Store) ActiveSubscriptions(ctx context.Context, userRowID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, subscription_type, is_active, created_at FROM subscriptions WHERE user_id = ? AND is_active = 1",
		userRowID)
	if err != nil {
		return nil, fmt.Errorf("active subscriptions for user %d: %w", userRowID, err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var createdAt string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Type, &sub.IsActive, &createdAt); err != nil {
			return nil, err
		}
		sub.CreatedAt = parseTime(createdAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}
