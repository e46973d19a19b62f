// Package service holds the business logic consumed by the command listener:
// message statistics queries and subscription lifecycle management.
package service

import (
	"context"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/storage"
)

// Stats answers message statistics queries. Formatting for the radio is the
// command layer's job; Stats only returns data.
type Stats struct {
	store *storage.Store
}

func NewStats(store *storage.Store) *Stats {
	return &Stats{store: store}
}

// LastMessageForUser returns the newest message for a user row id, or
// (nil, nil) when the user has no messages.
func (s *Stats) LastMessageForUser(ctx context.Context, userRowID int64) (*storage.Message, error) {
	return s.store.LastMessageForUser(ctx, userRowID)
}

// LastNForUser returns up to n recent messages, n clamped to [1, 100].
func (s *Stats) LastNForUser(ctx context.Context, userRowID int64, n int) ([]*storage.Message, error) {
	if n < 1 {
		n = 1
	}
	if n > 100 {
		n = 100
	}
	return s.store.LastNMessagesForUser(ctx, userRowID, n)
}

// Today returns the aggregate for the current UTC day.
func (s *Stats) Today(ctx context.Context) (*storage.DailyAggregate, error) {
	return s.store.TodayAggregate(ctx)
}

// HourlyToday returns the per-hour breakdown for the current UTC day.
func (s *Stats) HourlyToday(ctx context.Context) ([]storage.HourlyRow, error) {
	return s.store.HourlyBreakdownToday(ctx)
}
