package repository

import (
	"context"
	"fmt"

	"github.com/smallbiznis/storefront/internal/merchant/domain"
	"gorm.io/gorm"
)

const merchantColumns = `id, polar_customer_id, polar_subscription_id, subscription_plan,
	subscription_status, subscription_started_at, subscription_expires_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string, forUpdate bool) (*domain.Merchant, error) {
	var merchants []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+`
		 FROM merchants
		 WHERE id = ?`+lockSuffix(db, forUpdate),
		id,
	).Scan(&merchants).Error
	if err != nil {
		return nil, fmt.Errorf("find merchant by id: %w", err)
	}
	if len(merchants) == 0 {
		return nil, nil
	}
	return &merchants[0], nil
}

// FindByPolarCustomerID returns ErrAmbiguousCustomer when more than one merchant carries the id.
func (r *repo) FindByPolarCustomerID(ctx context.Context, db *gorm.DB, customerID string, forUpdate bool) (*domain.Merchant, error) {
	var merchants []domain.Merchant
	err := db.WithContext(ctx).Raw(
		`SELECT `+merchantColumns+`
		 FROM merchants
		 WHERE polar_customer_id = ?
		 ORDER BY id
		 LIMIT 2`+lockSuffix(db, forUpdate),
		customerID,
	).Scan(&merchants).Error
	if err != nil {
		return nil, fmt.Errorf("find merchant by polar customer: %w", err)
	}
	switch len(merchants) {
	case 0:
		return nil, nil
	case 1:
		return &merchants[0], nil
	default:
		return nil, domain.ErrAmbiguousCustomer
	}
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, update domain.SubscriptionUpdate) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE merchants
		 SET polar_subscription_id = ?,
			polar_customer_id = COALESCE(NULLIF(?, ''), polar_customer_id),
			subscription_plan = ?,
			subscription_status = ?,
			subscription_started_at = ?,
			subscription_expires_at = ?,
			updated_at = ?
		 WHERE id = ?`,
		update.PolarSubscriptionID,
		update.PolarCustomerID,
		update.Plan,
		update.Status,
		update.StartedAt,
		update.ExpiresAt,
		update.UpdatedAt,
		update.MerchantID,
	)
	if res.Error != nil {
		return fmt.Errorf("update merchant subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func lockSuffix(db *gorm.DB, forUpdate bool) string {
	if !forUpdate || db == nil || db.Dialector == nil {
		return ""
	}
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return " FOR UPDATE"
	default:
		return ""
	}
}
