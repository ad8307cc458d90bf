package domain

import (
	"context"
	"net/http"
	"time"
)

type Reconciler interface {
	Reconcile(ctx context.Context, event Event) (Result, error)
}

type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error)
}

// Locker serializes deliveries that touch the same subscription.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}
