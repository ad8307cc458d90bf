package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository lookups return nil, nil when no row matches.
// With forUpdate set the matched row is locked on dialects that support row locks.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string, forUpdate bool) (*Merchant, error)
	FindByPolarCustomerID(ctx context.Context, db *gorm.DB, customerID string, forUpdate bool) (*Merchant, error)
	UpdateSubscription(ctx context.Context, db *gorm.DB, update SubscriptionUpdate) error
}
