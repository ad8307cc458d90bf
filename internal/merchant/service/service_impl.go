package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/storefront/internal/merchant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("merchant.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetSubscription(ctx context.Context, merchantID string) (domain.Subscription, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return domain.Subscription{}, domain.ErrInvalidID
	}

	merchant, err := s.repo.FindByID(ctx, s.db, merchantID, false)
	if err != nil {
		return domain.Subscription{}, err
	}
	if merchant == nil {
		return domain.Subscription{}, domain.ErrNotFound
	}

	view := domain.Subscription{
		MerchantID:          merchant.ID,
		PolarCustomerID:     deref(merchant.PolarCustomerID),
		PolarSubscriptionID: deref(merchant.PolarSubscriptionID),
		Plan:                deref(merchant.SubscriptionPlan),
		Status:              deref(merchant.SubscriptionStatus),
		StartedAt:           deref(merchant.SubscriptionStartedAt),
		ExpiresAt:           deref(merchant.SubscriptionExpiresAt),
	}
	if !merchant.UpdatedAt.IsZero() {
		updatedAt := merchant.UpdatedAt.UTC()
		view.UpdatedAt = &updatedAt
	}
	return view, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
