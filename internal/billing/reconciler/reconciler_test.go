package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/clock"
	merchantdomain "github.com/smallbiznis/storefront/internal/merchant/domain"
	merchantrepo "github.com/smallbiznis/storefront/internal/merchant/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var reconcileTime = time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:reconciler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE merchants (
		id TEXT PRIMARY KEY,
		polar_customer_id TEXT,
		polar_subscription_id TEXT,
		subscription_plan TEXT,
		subscription_status TEXT,
		subscription_started_at TEXT,
		subscription_expires_at TEXT,
		updated_at TIMESTAMP
	)`).Error)
	return db
}

func seedMerchant(t *testing.T, db *gorm.DB, id string, customerID *string) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO merchants (id, polar_customer_id, subscription_status, updated_at) VALUES (?, ?, ?, ?)`,
		id, customerID, "none", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
	).Error)
}

func loadMerchant(t *testing.T, db *gorm.DB, id string) merchantdomain.Merchant {
	t.Helper()
	m, err := merchantrepo.Provide().FindByID(context.Background(), db, id, false)
	require.NoError(t, err)
	require.NotNil(t, m)
	return *m
}

func newReconciler(db *gorm.DB, log *zap.Logger) *Reconciler {
	return New(Params{
		DB:        db,
		Log:       log,
		Clock:     clock.NewFakeClock(reconcileTime),
		Merchants: merchantrepo.Provide(),
	})
}

func strPtr(s string) *string { return &s }

func subscriptionEvent(eventType string, kind domain.SubscriptionKind, payload domain.SubscriptionPayload) domain.SubscriptionEvent {
	return domain.SubscriptionEvent{Type: eventType, SubscriptionKind: kind, Subscription: payload}
}

func TestCreatedScenario(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_1", strPtr("cus_1"))

	event := subscriptionEvent("subscription.created", domain.SubscriptionActivated, domain.SubscriptionPayload{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Product:          &domain.Product{Name: "Pro"},
		StartedAt:        strPtr("2024-01-01T00:00:00Z"),
		CurrentPeriodEnd: strPtr("2024-02-01T00:00:00Z"),
	})

	result, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, result.Outcome)
	assert.Equal(t, domain.ResolvedByCustomerID, result.ResolvedBy)

	m := loadMerchant(t, db, "m_1")
	assert.Equal(t, "pro", *m.SubscriptionPlan)
	assert.Equal(t, "active", *m.SubscriptionStatus)
	assert.Equal(t, "sub_1", *m.PolarSubscriptionID)
	assert.Equal(t, "2024-01-01T00:00:00Z", *m.SubscriptionStartedAt)
	assert.Equal(t, "2024-02-01T00:00:00Z", *m.SubscriptionExpiresAt)
	assert.True(t, reconcileTime.Equal(m.UpdatedAt))
}

func TestActiveForcesStatus(t *testing.T) {
	for _, status := range []string{"trialing", "past_due", "incomplete", ""} {
		t.Run("status_"+status, func(t *testing.T) {
			db := setupTestDB(t)
			seedMerchant(t, db, "m_1", strPtr("cus_1"))

			event := subscriptionEvent("subscription.active", domain.SubscriptionActivated, domain.SubscriptionPayload{
				ID: "sub_1", CustomerID: "cus_1", Status: status,
			})
			_, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, "active", *loadMerchant(t, db, "m_1").SubscriptionStatus)
		})
	}
}

func TestUpdatedStoresStatusVerbatim(t *testing.T) {
	for _, status := range []string{"active", "past_due", "Trialing", "unpaid"} {
		t.Run(status, func(t *testing.T) {
			db := setupTestDB(t)
			seedMerchant(t, db, "m_1", strPtr("cus_1"))

			event := subscriptionEvent("subscription.updated", domain.SubscriptionUpdated, domain.SubscriptionPayload{
				ID: "sub_1", CustomerID: "cus_1", Status: status,
			})
			_, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
			require.NoError(t, err)

			m := loadMerchant(t, db, "m_1")
			assert.Equal(t, status, *m.SubscriptionStatus)
			assert.Equal(t, "unknown", *m.SubscriptionPlan)
		})
	}
}

func TestForcedStatuses(t *testing.T) {
	cases := []struct {
		eventType string
		kind      domain.SubscriptionKind
		want      string
	}{
		{"subscription.canceled", domain.SubscriptionCanceled, "canceled"},
		{"subscription.revoked", domain.SubscriptionRevoked, "revoked"},
		{"subscription.uncanceled", domain.SubscriptionUncanceled, "active"},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			db := setupTestDB(t)
			seedMerchant(t, db, "m_1", strPtr("cus_1"))

			event := subscriptionEvent(tc.eventType, tc.kind, domain.SubscriptionPayload{
				ID: "sub_1", CustomerID: "cus_1", Status: "active",
			})
			_, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *loadMerchant(t, db, "m_1").SubscriptionStatus)
		})
	}
}

func TestUnresolvedEventLeavesRowsUntouched(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_1", strPtr("cus_1"))
	before := loadMerchant(t, db, "m_1")

	core, logs := observer.New(zap.DebugLevel)
	event := subscriptionEvent("subscription.updated", domain.SubscriptionUpdated, domain.SubscriptionPayload{
		ID:         "sub_9",
		CustomerID: "cus_404",
		Status:     "active",
		Metadata:   map[string]any{"merchantId": "m_404"},
	})

	result, err := newReconciler(db, zap.New(core)).Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnresolved, result.Outcome)
	assert.Equal(t, before, loadMerchant(t, db, "m_1"))
	assert.Equal(t, 1, logs.FilterMessage("billing.merchant.unresolved").Len())
}

func TestCanceledReplayIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_1", strPtr("cus_1"))
	r := newReconciler(db, zap.NewNop())

	event := subscriptionEvent("subscription.canceled", domain.SubscriptionCanceled, domain.SubscriptionPayload{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Product:          &domain.Product{Name: "Pro"},
		CurrentPeriodEnd: strPtr("2024-02-01T00:00:00Z"),
	})

	_, err := r.Reconcile(context.Background(), event)
	require.NoError(t, err)
	once := loadMerchant(t, db, "m_1")

	_, err = r.Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, once, loadMerchant(t, db, "m_1"))
}

func TestCustomerIDWinsOverMetadata(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_linked", strPtr("cus_1"))
	seedMerchant(t, db, "m_other", nil)

	event := subscriptionEvent("subscription.updated", domain.SubscriptionUpdated, domain.SubscriptionPayload{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     "active",
		Metadata:   map[string]any{"merchantId": "m_other"},
	})
	result, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "m_linked", result.MerchantID)

	assert.Equal(t, "active", *loadMerchant(t, db, "m_linked").SubscriptionStatus)
	assert.Equal(t, "none", *loadMerchant(t, db, "m_other").SubscriptionStatus)
}

func TestMetadataFallbackLinksCustomer(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_1", nil)

	event := subscriptionEvent("subscription.created", domain.SubscriptionActivated, domain.SubscriptionPayload{
		ID:         "sub_1",
		CustomerID: "cus_new",
		Product:    &domain.Product{Name: "Starter"},
		Metadata:   map[string]any{"merchantId": "m_1"},
	})
	result, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolvedByMetadata, result.ResolvedBy)

	m := loadMerchant(t, db, "m_1")
	assert.Equal(t, "cus_new", *m.PolarCustomerID)
	assert.Equal(t, "starter", *m.SubscriptionPlan)
}

func TestAmbiguousCustomerFallsBackToMetadata(t *testing.T) {
	db := setupTestDB(t)
	seedMerchant(t, db, "m_a", strPtr("cus_dup"))
	seedMerchant(t, db, "m_b", strPtr("cus_dup"))

	event := subscriptionEvent("subscription.updated", domain.SubscriptionUpdated, domain.SubscriptionPayload{
		ID:         "sub_1",
		CustomerID: "cus_dup",
		Status:     "active",
		Metadata:   map[string]any{"merchantId": "m_b"},
	})
	result, err := newReconciler(db, zap.NewNop()).Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "m_b", result.MerchantID)
	assert.Equal(t, "none", *loadMerchant(t, db, "m_a").SubscriptionStatus)
}

type mockMerchants struct {
	mock.Mock
}

func (m *mockMerchants) FindByID(ctx context.Context, db *gorm.DB, id string, forUpdate bool) (*merchantdomain.Merchant, error) {
	args := m.Called(ctx, db, id, forUpdate)
	merchant, _ := args.Get(0).(*merchantdomain.Merchant)
	return merchant, args.Error(1)
}

func (m *mockMerchants) FindByPolarCustomerID(ctx context.Context, db *gorm.DB, customerID string, forUpdate bool) (*merchantdomain.Merchant, error) {
	args := m.Called(ctx, db, customerID, forUpdate)
	merchant, _ := args.Get(0).(*merchantdomain.Merchant)
	return merchant, args.Error(1)
}

func (m *mockMerchants) UpdateSubscription(ctx context.Context, db *gorm.DB, update merchantdomain.SubscriptionUpdate) error {
	return m.Called(ctx, db, update).Error(0)
}

func TestPassthroughEventsNeverTouchStorage(t *testing.T) {
	repo := &mockMerchants{}
	r := New(Params{Log: zap.NewNop(), Clock: clock.NewFakeClock(reconcileTime), Merchants: repo})

	for _, event := range []domain.Event{
		domain.PassthroughEvent{Type: "checkout.created", Family: "checkout"},
		domain.PassthroughEvent{Type: "order.created", Family: "order"},
		domain.UnknownEvent{Type: "benefit.granted"},
	} {
		result, err := r.Reconcile(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeIgnored, result.Outcome)
	}

	repo.AssertNotCalled(t, "FindByPolarCustomerID", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestWriteFailurePropagates(t *testing.T) {
	db := setupTestDB(t)
	repo := &mockMerchants{}
	writeErr := errors.New("connection reset")
	repo.On("FindByPolarCustomerID", mock.Anything, mock.Anything, "cus_1", true).
		Return(&merchantdomain.Merchant{ID: "m_1"}, nil)
	repo.On("UpdateSubscription", mock.Anything, mock.Anything, mock.MatchedBy(func(u merchantdomain.SubscriptionUpdate) bool {
		return u.MerchantID == "m_1" && u.Status == "revoked" && u.UpdatedAt.Equal(reconcileTime)
	})).Return(writeErr)

	r := New(Params{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(reconcileTime), Merchants: repo})
	event := subscriptionEvent("subscription.revoked", domain.SubscriptionRevoked, domain.SubscriptionPayload{
		ID: "sub_1", CustomerID: "cus_1",
	})

	_, err := r.Reconcile(context.Background(), event)
	assert.True(t, errors.Is(err, writeErr))
	repo.AssertExpectations(t)
}
