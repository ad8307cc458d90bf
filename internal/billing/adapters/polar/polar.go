package polar

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/storefront/internal/billing/domain"
	"github.com/smallbiznis/storefront/internal/clock"
)

const (
	ProviderName = "polar"

	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	secretPrefix     = "whsec_"
	signatureVersion = "v1"

	defaultTolerance = 5 * time.Minute
)

var validate = validator.New()

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	var keys [][]byte
	for _, secret := range cfg.Secrets {
		key, err := decodeSecret(secret)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if cfg.Verify && len(keys) == 0 {
		return nil, domain.ErrMissingSecret
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Adapter{
		keys:      keys,
		verify:    cfg.Verify,
		tolerance: tolerance,
		clock:     clk,
	}, nil
}

// Adapter implements the Standard Webhooks scheme Polar signs with.
type Adapter struct {
	keys      [][]byte
	verify    bool
	tolerance time.Duration
	clock     clock.Clock
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if !a.verify {
		return nil
	}

	msgID := strings.TrimSpace(headers.Get(HeaderID))
	rawTimestamp := strings.TrimSpace(headers.Get(HeaderTimestamp))
	sigHeader := strings.TrimSpace(headers.Get(HeaderSignature))
	if msgID == "" || rawTimestamp == "" || sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	sentAt, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	drift := a.clock.Now().Sub(time.Unix(sentAt, 0))
	if drift > a.tolerance || drift < -a.tolerance {
		return domain.ErrInvalidSignature
	}

	signatures := parseSignatures(sigHeader)
	if len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	for _, key := range a.keys {
		expected := Sign(key, msgID, rawTimestamp, payload)
		for _, signature := range signatures {
			if hmac.Equal([]byte(signature), []byte(expected)) {
				return nil
			}
		}
	}
	return domain.ErrInvalidSignature
}

// Sign returns the base64 HMAC-SHA256 of "id.timestamp.body".
func Sign(key []byte, msgID, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msgID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*domain.Envelope, error) {
	var event polarEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if err := validate.Struct(event); err != nil {
		return nil, invalid(err)
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return nil, fmt.Errorf("%w: type is required", domain.ErrInvalidPayload)
	}
	if !isObject(event.Data) {
		return nil, fmt.Errorf("%w: data must be an object", domain.ErrInvalidPayload)
	}

	parsed, err := parseEvent(event.Type, event.Data)
	if err != nil {
		return nil, err
	}

	return &domain.Envelope{
		Provider:   ProviderName,
		DeliveryID: deliveryID(headers, payload),
		Event:      parsed,
		Payload:    payload,
		ReceivedAt: a.clock.Now(),
	}, nil
}

type polarEvent struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

func parseEvent(eventType string, data json.RawMessage) (domain.Event, error) {
	if kind, ok := subscriptionKinds[eventType]; ok {
		var payload domain.SubscriptionPayload
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&payload); err != nil {
			return nil, fmt.Errorf("%w: %s data", domain.ErrInvalidPayload, eventType)
		}
		if err := validate.Struct(payload); err != nil {
			return nil, invalid(err)
		}
		payload.StartedAt = nonEmpty(payload.StartedAt)
		payload.CurrentPeriodEnd = nonEmpty(payload.CurrentPeriodEnd)
		return domain.SubscriptionEvent{
			Type:             eventType,
			SubscriptionKind: kind,
			Subscription:     payload,
		}, nil
	}

	family, _, _ := strings.Cut(eventType, ".")
	switch family {
	case "checkout", "order", "customer":
		return domain.PassthroughEvent{Type: eventType, Family: family}, nil
	default:
		return domain.UnknownEvent{Type: eventType}, nil
	}
}

var subscriptionKinds = map[string]domain.SubscriptionKind{
	"subscription.created":    domain.SubscriptionActivated,
	"subscription.active":     domain.SubscriptionActivated,
	"subscription.updated":    domain.SubscriptionUpdated,
	"subscription.canceled":   domain.SubscriptionCanceled,
	"subscription.revoked":    domain.SubscriptionRevoked,
	"subscription.uncanceled": domain.SubscriptionUncanceled,
}

// deliveryID prefers the signed webhook-id. Unsigned local deliveries fall back to a hash of the body.
func deliveryID(headers http.Header, payload []byte) string {
	if id := strings.TrimSpace(headers.Get(HeaderID)); id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, domain.ErrMissingSecret
	}
	if encoded, ok := strings.CutPrefix(secret, secretPrefix); ok {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode %s secret: %w", ProviderName, err)
		}
		return key, nil
	}
	return []byte(secret), nil
}

func parseSignatures(header string) []string {
	var signatures []string
	for _, part := range strings.Fields(header) {
		version, signature, ok := strings.Cut(part, ",")
		if !ok || version != signatureVersion || signature == "" {
			continue
		}
		signatures = append(signatures, signature)
	}
	return signatures
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func nonEmpty(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	return value
}

func invalid(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Errorf("%w: %s is %s", domain.ErrInvalidPayload, strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag())
	}
	return domain.ErrInvalidPayload
}
