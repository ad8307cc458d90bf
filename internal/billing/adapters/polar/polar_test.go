package polar

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, secrets ...string) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Secrets:   secrets,
		Verify:    true,
		Tolerance: 5 * time.Minute,
		Clock:     clock.NewFakeClock(testNow),
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func signedHeaders(key []byte, msgID string, sentAt time.Time, payload []byte) http.Header {
	ts := strconv.FormatInt(sentAt.Unix(), 10)
	headers := http.Header{}
	headers.Set(HeaderID, msgID)
	headers.Set(HeaderTimestamp, ts)
	headers.Set(HeaderSignature, "v1,"+Sign(key, msgID, ts, payload))
	return headers
}

func TestVerifyAcceptsRawSecret(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated","data":{"id":"sub_1"}}`)
	adapter := newTestAdapter(t, "polar_whs_test")

	headers := signedHeaders([]byte("polar_whs_test"), "msg_1", testNow, payload)
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))
}

func TestVerifyAcceptsPrefixedSecret(t *testing.T) {
	key := []byte("0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	payload := []byte(`{"type":"checkout.created","data":{}}`)
	adapter := newTestAdapter(t, secret)

	headers := signedHeaders(key, "msg_2", testNow.Add(-time.Minute), payload)
	headers.Set(HeaderSignature, "v1,bogus "+headers.Get(HeaderSignature))
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))
}

func TestVerifyAcceptsPreviousSecretDuringRotation(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated","data":{"id":"sub_1"}}`)
	adapter := newTestAdapter(t, "new_secret", "old_secret")

	headers := signedHeaders([]byte("old_secret"), "msg_3", testNow, payload)
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))
}

func TestVerifyRejects(t *testing.T) {
	payload := []byte(`{"type":"subscription.updated","data":{"id":"sub_1"}}`)
	key := []byte("polar_whs_test")
	adapter := newTestAdapter(t, string(key))

	cases := map[string]http.Header{
		"missing headers":  {},
		"wrong secret":     signedHeaders([]byte("other"), "msg_1", testNow, payload),
		"stale timestamp":  signedHeaders(key, "msg_1", testNow.Add(-10*time.Minute), payload),
		"future timestamp": signedHeaders(key, "msg_1", testNow.Add(10*time.Minute), payload),
	}
	tampered := signedHeaders(key, "msg_1", testNow, payload)
	tampered.Set(HeaderID, "msg_other")
	cases["tampered id"] = tampered

	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			err := adapter.Verify(context.Background(), payload, headers)
			assert.True(t, errors.Is(err, domain.ErrInvalidSignature), "got %v", err)
		})
	}
}

func TestVerifyDisabled(t *testing.T) {
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{Verify: false})
	require.NoError(t, err)
	assert.NoError(t, adapter.Verify(context.Background(), []byte(`{}`), http.Header{}))
}

func TestNewAdapterRequiresSecretWhenVerifying(t *testing.T) {
	_, err := NewFactory().NewAdapter(domain.AdapterConfig{Verify: true})
	assert.True(t, errors.Is(err, domain.ErrMissingSecret))
}

func TestParseSubscriptionEvent(t *testing.T) {
	adapter := newTestAdapter(t, "s")
	payload := []byte(`{"type":"subscription.created","data":{"id":"sub_1","customer_id":"cus_1","status":"trialing","product":{"name":"Pro"},"started_at":"2024-01-01T00:00:00Z","current_period_end":"2024-02-01T00:00:00Z","metadata":{"merchantId":42}}}`)
	headers := http.Header{}
	headers.Set(HeaderID, "msg_1")

	env, err := adapter.Parse(context.Background(), payload, headers)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", env.DeliveryID)
	assert.Equal(t, testNow, env.ReceivedAt)

	event, ok := env.Event.(domain.SubscriptionEvent)
	require.True(t, ok, "expected subscription event, got %T", env.Event)
	assert.Equal(t, domain.SubscriptionActivated, event.SubscriptionKind)
	assert.Equal(t, "active", event.Status())
	assert.Equal(t, "pro", event.Subscription.Plan())
	assert.Equal(t, "42", event.Subscription.MerchantRef())
	assert.Equal(t, "2024-01-01T00:00:00Z", *event.Subscription.StartedAt)
}

func TestParseKeepsLargeNumericMerchantID(t *testing.T) {
	adapter := newTestAdapter(t, "s")
	payload := []byte(`{"type":"subscription.updated","data":{"id":"sub_1","status":"active","metadata":{"merchantId":12345678901234567}}}`)

	env, err := adapter.Parse(context.Background(), payload, http.Header{})
	require.NoError(t, err)

	event, ok := env.Event.(domain.SubscriptionEvent)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567", event.Subscription.MerchantRef())
}

func TestParseDispatch(t *testing.T) {
	adapter := newTestAdapter(t, "s")
	cases := []struct {
		eventType string
		want      domain.Event
	}{
		{"subscription.active", domain.SubscriptionEvent{}},
		{"subscription.uncanceled", domain.SubscriptionEvent{}},
		{"checkout.created", domain.PassthroughEvent{Type: "checkout.created", Family: "checkout"}},
		{"order.paid", domain.PassthroughEvent{Type: "order.paid", Family: "order"}},
		{"customer.updated", domain.PassthroughEvent{Type: "customer.updated", Family: "customer"}},
		{"benefit.granted", domain.UnknownEvent{Type: "benefit.granted"}},
	}
	for _, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			payload := []byte(`{"type":"` + tc.eventType + `","data":{"id":"x"}}`)
			env, err := adapter.Parse(context.Background(), payload, http.Header{})
			require.NoError(t, err)
			if _, isSub := tc.want.(domain.SubscriptionEvent); isSub {
				assert.IsType(t, domain.SubscriptionEvent{}, env.Event)
				return
			}
			assert.Equal(t, tc.want, env.Event)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	adapter := newTestAdapter(t, "s")
	cases := map[string]string{
		"not json":            `{"type":`,
		"missing type":        `{"data":{"id":"sub_1"}}`,
		"blank type":          `{"type":"  ","data":{"id":"sub_1"}}`,
		"missing data":        `{"type":"subscription.updated"}`,
		"data not object":     `{"type":"checkout.created","data":"x"}`,
		"null data":           `{"type":"checkout.created","data":null}`,
		"subscription no id":  `{"type":"subscription.updated","data":{"status":"active"}}`,
		"product wrong shape": `{"type":"subscription.updated","data":{"id":"sub_1","product":"Pro"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := adapter.Parse(context.Background(), []byte(body), http.Header{})
			assert.True(t, errors.Is(err, domain.ErrInvalidPayload), "got %v", err)
		})
	}
}

func TestDeliveryIDFallsBackToPayloadHash(t *testing.T) {
	payload := []byte(`{"type":"checkout.created","data":{}}`)
	first := deliveryID(http.Header{}, payload)
	assert.Equal(t, first, deliveryID(http.Header{}, payload))
	assert.NotEqual(t, first, deliveryID(http.Header{}, []byte(`{"type":"checkout.updated","data":{}}`)))
}
