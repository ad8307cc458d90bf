package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonDB                   = "db"
	ReasonUnknown              = "unknown"
)

// BillingMetrics are the prometheus signals for webhook ingestion and reconciliation.
type BillingMetrics struct {
	events         *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	failures       *prometheus.CounterVec
	lockContention *prometheus.CounterVec
}

func NewBillingMetrics(registerer *prometheus.Registry, cfg Config) (*BillingMetrics, error) {
	return newBillingMetrics(registerer, cfg)
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) (*BillingMetrics, error) {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	constLabels := serviceLabels(cfg)

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "storefront_billing_events_total",
		Help:        "Billing webhook events by provider, event kind and outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "event_kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "storefront_billing_reconcile_duration_seconds",
		Help:        "Time from verified delivery to acknowledgement.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "storefront_billing_failures_total",
		Help:        "Billing webhook deliveries that were not acknowledged, by reason.",
		ConstLabels: constLabels,
	}, []string{"provider", "reason"})
	lockContention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "storefront_billing_lock_contention_total",
		Help:        "Deliveries rejected because another delivery held the subscription lock.",
		ConstLabels: constLabels,
	}, []string{"provider"})

	for _, c := range []prometheus.Collector{events, duration, failures, lockContention} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return &BillingMetrics{
		events:         events,
		duration:       duration,
		failures:       failures,
		lockContention: lockContention,
	}, nil
}

// ObserveEvent records an acknowledged delivery.
func (m *BillingMetrics) ObserveEvent(provider, eventKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	provider = label(provider)
	outcome = label(outcome)
	m.events.WithLabelValues(provider, label(eventKind), outcome).Inc()
	m.duration.WithLabelValues(provider, outcome).Observe(max(elapsed, 0).Seconds())
}

// IncFailure records a delivery that failed with reason.
func (m *BillingMetrics) IncFailure(provider, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(provider), label(reason)).Inc()
}

func (m *BillingMetrics) IncLockContention(provider string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(label(provider)).Inc()
}

// ClassifyFailure maps storage and context errors to a low-cardinality reason.
func ClassifyFailure(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	case isDBError(err):
		return ReasonDB
	default:
		return ReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func serviceLabels(cfg Config) prometheus.Labels {
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "storefront"
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = "unknown"
	}
	return prometheus.Labels{"service": service, "env": env}
}

func label(value string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return "unknown"
}
