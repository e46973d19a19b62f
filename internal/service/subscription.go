package service

import (
	"context"
	"fmt"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/storage"
)

// Subscription types a user may sign up for.
const (
	SubDailyLow  = "daily_low"
	SubDailyAvg  = "daily_avg"
	SubDailyHigh = "daily_high"
)

// ErrInvalidSubscriptionType reports an unknown subscription type.
var ErrInvalidSubscriptionType = fmt.Errorf("invalid subscription type")

func validSubscriptionType(t string) bool {
	switch t {
	case SubDailyLow, SubDailyAvg, SubDailyHigh:
		return true
	default:
		return false
	}
}

// Subscriptions manages subscription lifecycle for mesh users.
type Subscriptions struct {
	store *storage.Store
}

func NewSubscriptions(store *storage.Store) *Subscriptions {
	return &Subscriptions{store: store}
}

// Subscribe activates a subscription, replacing any existing one.
func (s *Subscriptions) Subscribe(ctx context.Context, userRowID int64, subType string) error {
	if !validSubscriptionType(subType) {
		return fmt.Errorf("%w: %q", ErrInvalidSubscriptionType, subType)
	}
	return s.store.UpsertSubscription(ctx, userRowID, subType)
}

// Unsubscribe cancels all of a user's subscriptions.
func (s *Subscriptions) Unsubscribe(ctx context.Context, userRowID int64) error {
	return s.store.DeactivateSubscriptions(ctx, userRowID)
}

// List returns the user's active subscriptions.
func (s *Subscriptions) List(ctx context.Context, userRowID int64) ([]storage.Subscription, error) {
	return s.store.ActiveSubscriptions(ctx, userRowID)
}
