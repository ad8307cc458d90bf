package billing

import (
	"github.com/smallbiznis/storefront/internal/billing/adapters"
	"github.com/smallbiznis/storefront/internal/billing/adapters/polar"
	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/billing/reconciler"
	"github.com/smallbiznis/storefront/internal/billing/repository"
	"github.com/smallbiznis/storefront/internal/billing/webhook"
	"github.com/smallbiznis/storefront/internal/lock"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(polar.NewFactory())
	}),
	fx.Provide(
		fx.Annotate(reconciler.New, fx.As(new(domain.Reconciler))),
	),
	fx.Provide(provideLocker),
	fx.Provide(
		webhook.NewService,
		func(s *webhook.Service) domain.WebhookService { return s },
	),
)

// provideLocker keeps a missing redis client from becoming a non-nil interface holding a nil pointer.
func provideLocker(l *lock.Locker) domain.Locker {
	if l == nil {
		return nil
	}
	return l
}
