package reconciler

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/clock"
	merchantdomain "github.com/smallbiznis/storefront/internal/merchant/domain"
	"github.com/smallbiznis/storefront/internal/observability/logger"
	"github.com/smallbiznis/storefront/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Merchants merchantdomain.Repository
}

// Reconciler applies subscription lifecycle events to merchant rows.
type Reconciler struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	merchants merchantdomain.Repository
}

func New(p Params) *Reconciler {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Reconciler{
		db:        p.DB,
		log:       p.Log.Named("billing.reconciler"),
		clock:     clk,
		merchants: p.Merchants,
	}
}

var tracer = otel.Tracer("storefront/billing")

func (r *Reconciler) Reconcile(ctx context.Context, event domain.Event) (domain.Result, error) {
	if event == nil {
		return domain.Result{}, domain.ErrInvalidPayload
	}

	ctx, span := tracer.Start(ctx, "billing.reconcile")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(attribute.String("billing.event_type", event.EventType()))...)

	var (
		result domain.Result
		err    error
	)
	switch ev := event.(type) {
	case domain.SubscriptionEvent:
		result, err = r.applySubscription(ctx, ev)
	case domain.PassthroughEvent:
		r.logIgnored(ctx, ev.Type, ev.Family)
		result = domain.Result{Outcome: domain.OutcomeIgnored}
	case domain.UnknownEvent:
		r.logIgnored(ctx, ev.Type, "unknown")
		result = domain.Result{Outcome: domain.OutcomeIgnored}
	default:
		r.logIgnored(ctx, event.EventType(), "unrecognized")
		result = domain.Result{Outcome: domain.OutcomeIgnored}
	}

	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "reconcile failed")
		return domain.Result{}, err
	}
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("billing.outcome", string(result.Outcome)),
		attribute.String("billing.resolved_by", result.ResolvedBy),
	)...)
	return result, nil
}

// applySubscription resolves the merchant and writes the subscription fields in one transaction.
// On Postgres the resolved row stays locked until commit.
func (r *Reconciler) applySubscription(ctx context.Context, event domain.SubscriptionEvent) (domain.Result, error) {
	payload := event.Subscription
	log := logger.WithContext(ctx, r.log).With(
		zap.String("event_type", event.Type),
		zap.String("subscription_id", payload.ID),
	)

	result := domain.Result{Outcome: domain.OutcomeUnresolved}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		merchant, resolvedBy, err := r.resolve(ctx, tx, payload, log)
		if err != nil {
			return err
		}
		if merchant == nil {
			return nil
		}

		update := merchantdomain.SubscriptionUpdate{
			MerchantID:          merchant.ID,
			PolarSubscriptionID: payload.ID,
			PolarCustomerID:     strings.TrimSpace(payload.CustomerID),
			Plan:                payload.Plan(),
			Status:              event.Status(),
			StartedAt:           payload.StartedAt,
			ExpiresAt:           payload.CurrentPeriodEnd,
			UpdatedAt:           r.clock.Now(),
		}
		if err := r.merchants.UpdateSubscription(ctx, tx, update); err != nil {
			if errors.Is(err, merchantdomain.ErrNotFound) {
				return nil
			}
			return err
		}

		result = domain.Result{
			Outcome:    domain.OutcomeProcessed,
			MerchantID: merchant.ID,
			ResolvedBy: resolvedBy,
		}
		logger.WithMerchant(log, merchant.ID).Info("billing.subscription.reconciled",
			zap.String("resolved_by", resolvedBy),
			zap.String("status", update.Status),
			zap.String("plan", update.Plan),
		)
		return nil
	})
	if err != nil {
		log.Error("billing.subscription.write_failed", zap.Error(err))
		return domain.Result{}, err
	}

	if result.Outcome == domain.OutcomeUnresolved {
		log.Warn("billing.merchant.unresolved",
			zap.Bool("has_customer_id", strings.TrimSpace(payload.CustomerID) != ""),
			zap.Bool("has_merchant_ref", payload.MerchantRef() != ""),
		)
	}
	return result, nil
}

// resolve tries the stored Polar customer link first, then the merchant id checkout put in metadata.
// It returns a nil merchant when neither matches.
func (r *Reconciler) resolve(ctx context.Context, tx *gorm.DB, payload domain.SubscriptionPayload, log *zap.Logger) (*merchantdomain.Merchant, string, error) {
	if customerID := strings.TrimSpace(payload.CustomerID); customerID != "" {
		merchant, err := r.merchants.FindByPolarCustomerID(ctx, tx, customerID, true)
		switch {
		case errors.Is(err, merchantdomain.ErrAmbiguousCustomer):
			log.Warn("billing.merchant.ambiguous_customer")
		case err != nil:
			return nil, "", err
		case merchant != nil:
			return merchant, domain.ResolvedByCustomerID, nil
		}
	}

	if merchantID := payload.MerchantRef(); merchantID != "" {
		merchant, err := r.merchants.FindByID(ctx, tx, merchantID, true)
		if err != nil {
			return nil, "", err
		}
		if merchant != nil {
			return merchant, domain.ResolvedByMetadata, nil
		}
	}

	return nil, "", nil
}

func (r *Reconciler) logIgnored(ctx context.Context, eventType, family string) {
	logger.WithContext(ctx, r.log).Info("billing.event.ignored",
		zap.String("event_type", eventType),
		zap.String("family", family),
	)
}
