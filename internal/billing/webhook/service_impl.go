package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/billing/adapters"
	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	obscontext "github.com/smallbiznis/storefront/internal/observability/context"
	"github.com/smallbiznis/storefront/internal/observability/logger"
	"github.com/smallbiznis/storefront/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Secrets    *config.WebhookSecretsHolder
	Adapters   *adapters.Registry
	Ledger     domain.LedgerRepository
	Reconciler domain.Reconciler
	Locker     domain.Locker           `optional:"true"`
	Metrics    *metrics.BillingMetrics `optional:"true"`
	OtelMetric *metrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	secrets    *config.WebhookSecretsHolder
	adapters   *adapters.Registry
	ledger     domain.LedgerRepository
	reconciler domain.Reconciler
	locker     domain.Locker
	metrics    *metrics.BillingMetrics
	otel       *metrics.Metrics

	verify    bool
	tolerance time.Duration
	lockTTL   time.Duration
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.webhook"),
		genID:      p.GenID,
		clock:      clk,
		secrets:    p.Secrets,
		adapters:   p.Adapters,
		ledger:     p.Ledger,
		reconciler: p.Reconciler,
		locker:     p.Locker,
		metrics:    p.Metrics,
		otel:       p.OtelMetric,
		verify:     p.Cfg.Webhook.Verify,
		tolerance:  p.Cfg.Webhook.Tolerance,
		lockTTL:    p.Cfg.Redis.LockTTL,
	}
}

// IngestWebhook verifies, records and reconciles one delivery. A subscription delivery already
// processed under the same id is acknowledged as a duplicate without being applied again.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.Outcome, error) {
	start := s.clock.Now()
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return "", domain.ErrProviderNotFound
	}
	if len(payload) == 0 || !json.Valid(payload) {
		s.reject(ctx, provider, "invalid_payload")
		return "", domain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		Secrets:   s.secrets.Secrets(provider),
		Verify:    s.verify,
		Tolerance: s.tolerance,
		Clock:     s.clock,
	})
	if err != nil {
		if errors.Is(err, domain.ErrMissingSecret) {
			s.log.Error("webhook secret not configured", zap.String("provider", provider))
		}
		return "", err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.reject(ctx, provider, "invalid_signature")
		return "", err
	}

	envelope, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		s.reject(ctx, provider, "invalid_payload")
		return "", err
	}
	ctx = obscontext.WithDeliveryID(ctx, envelope.DeliveryID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", provider),
		zap.String("event_type", envelope.Event.EventType()),
	)

	// Only subscription events are recorded; everything else is logged and acknowledged.
	if _, ok := envelope.Event.(domain.SubscriptionEvent); !ok {
		result, err := s.reconciler.Reconcile(ctx, envelope.Event)
		if err != nil {
			return "", err
		}
		s.observe(ctx, provider, envelope.Event, result.Outcome, start)
		return result.Outcome, nil
	}

	release, err := s.lockSubscription(ctx, provider, envelope.Event)
	if err != nil {
		if errors.Is(err, domain.ErrLockContention) {
			s.metrics.IncLockContention(provider)
			log.Warn("billing.subscription.locked")
		} else {
			s.metrics.IncFailure(provider, metrics.ClassifyFailure(err))
		}
		return "", err
	}
	defer release()

	record, duplicate, err := s.record(ctx, envelope)
	if err != nil {
		s.metrics.IncFailure(provider, metrics.ClassifyFailure(err))
		return "", err
	}
	if duplicate {
		log.Info("billing.event.duplicate")
		s.observe(ctx, provider, envelope.Event, domain.OutcomeDuplicate, start)
		return domain.OutcomeDuplicate, nil
	}

	result, err := s.reconciler.Reconcile(ctx, envelope.Event)
	if err != nil {
		s.metrics.IncFailure(provider, metrics.ClassifyFailure(err))
		return "", err
	}

	if err := s.ledger.MarkProcessed(ctx, s.db, record.ID, result.Outcome, s.clock.Now()); err != nil {
		// The merchant write has committed; a redelivery reapplies the same state.
		log.Warn("billing.event.mark_processed_failed", zap.Error(err))
	}

	s.observe(ctx, provider, envelope.Event, result.Outcome, start)
	return result.Outcome, nil
}

// record inserts the delivery into the ledger. It reports a duplicate only when the stored
// record was processed; an unprocessed record from a failed attempt is retried.
func (s *Service) record(ctx context.Context, envelope *domain.Envelope) (*domain.EventRecord, bool, error) {
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        envelope.Provider,
		ProviderEventID: envelope.DeliveryID,
		EventType:       envelope.Event.EventType(),
		Payload:         datatypes.JSON(envelope.Payload),
		ReceivedAt:      envelope.ReceivedAt,
	}

	inserted, err := s.ledger.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	if inserted {
		return record, false, nil
	}

	existing, err := s.ledger.FindEvent(ctx, s.db, envelope.Provider, envelope.DeliveryID)
	if err != nil {
		return nil, false, fmt.Errorf("find webhook event: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("webhook event %s vanished after conflict", envelope.DeliveryID)
	}
	return existing, existing.ProcessedAt != nil, nil
}

// lockSubscription serializes deliveries for one subscription across replicas.
func (s *Service) lockSubscription(ctx context.Context, provider string, event domain.Event) (func(), error) {
	noop := func() {}
	sub, ok := event.(domain.SubscriptionEvent)
	if !ok || s.locker == nil || s.lockTTL <= 0 {
		return noop, nil
	}

	key := fmt.Sprintf("billing:%s:subscription:%s", provider, sub.Subscription.ID)
	token, acquired, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return noop, fmt.Errorf("acquire subscription lock: %w", err)
	}
	if !acquired {
		return noop, domain.ErrLockContention
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("billing.subscription.unlock_failed", zap.Error(err))
		}
	}, nil
}

func (s *Service) observe(ctx context.Context, provider string, event domain.Event, outcome domain.Outcome, start time.Time) {
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveEvent(provider, event.Kind(), string(outcome), elapsed)
	s.otel.RecordDelivery(ctx, provider, event.Kind(), string(outcome), elapsed)
}

func (s *Service) reject(ctx context.Context, provider, reason string) {
	s.metrics.IncFailure(provider, reason)
	s.otel.RecordRejection(ctx, provider, reason)
}
