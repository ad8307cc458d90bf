package domain

import "context"

type Service interface {
	GetSubscription(ctx context.Context, merchantID string) (Subscription, error)
}
