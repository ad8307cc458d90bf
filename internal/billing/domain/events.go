package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubscriptionKind enumerates the subscription lifecycle events that write merchant state.
type SubscriptionKind string

const (
	SubscriptionActivated  SubscriptionKind = "activated"
	SubscriptionUpdated    SubscriptionKind = "updated"
	SubscriptionCanceled   SubscriptionKind = "canceled"
	SubscriptionRevoked    SubscriptionKind = "revoked"
	SubscriptionUncanceled SubscriptionKind = "uncanceled"
)

const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusRevoked  = "revoked"
)

const UnknownPlan = "unknown"

// Event is one of SubscriptionEvent, PassthroughEvent or UnknownEvent.
type Event interface {
	EventType() string
	Kind() string
}

// SubscriptionEvent carries a subscription.* lifecycle event with its typed payload.
type SubscriptionEvent struct {
	Type             string
	SubscriptionKind SubscriptionKind
	Subscription     SubscriptionPayload
}

func (e SubscriptionEvent) EventType() string { return e.Type }
func (e SubscriptionEvent) Kind() string { return "subscription" }

// Status is the value stored for this event. Only updated events trust the payload status.
func (e SubscriptionEvent) Status() string {
	switch e.SubscriptionKind {
	case SubscriptionActivated, SubscriptionUncanceled:
		return StatusActive
	case SubscriptionCanceled:
		return StatusCanceled
	case SubscriptionRevoked:
		return StatusRevoked
	default:
		return e.Subscription.Status
	}
}

// PassthroughEvent is a checkout, order or customer event. It is acknowledged and logged, never applied.
type PassthroughEvent struct {
	Type   string
	Family string
}

func (e PassthroughEvent) EventType() string { return e.Type }
func (e PassthroughEvent) Kind() string { return e.Family }

type UnknownEvent struct {
	Type string
}

func (e UnknownEvent) EventType() string { return e.Type }
func (e UnknownEvent) Kind() string { return "unknown" }

type Product struct {
	Name string `json:"name"`
}

// SubscriptionPayload is the data object of a subscription event. Timestamps are kept as sent.
type SubscriptionPayload struct {
	ID               string         `json:"id" validate:"required"`
	CustomerID       string         `json:"customer_id"`
	Status           string         `json:"status"`
	StartedAt        *string        `json:"started_at"`
	CurrentPeriodEnd *string        `json:"current_period_end"`
	Product          *Product       `json:"product"`
	Metadata         map[string]any `json:"metadata"`
}

// Plan is the lower-cased product name, or "unknown" when the payload has none.
func (p SubscriptionPayload) Plan() string {
	if p.Product == nil || p.Product.Name == "" {
		return UnknownPlan
	}
	return strings.ToLower(p.Product.Name)
}

// MerchantRef reads metadata.merchantId, which checkout sessions set as a string or a number.
func (p SubscriptionPayload) MerchantRef() string {
	if p.Metadata == nil {
		return ""
	}
	switch value := p.Metadata["merchantId"].(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	case fmt.Stringer:
		return strings.TrimSpace(value.String())
	default:
		return ""
	}
}

// Envelope is a verified, parsed delivery.
type Envelope struct {
	Provider   string
	DeliveryID string
	Event      Event
	Payload    []byte
	ReceivedAt time.Time
}

// Outcome is the acknowledgement status returned to the provider.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeDuplicate  Outcome = "duplicate"
)

// Result describes what the reconciler did with an event.
type Result struct {
	Outcome    Outcome
	MerchantID string
	ResolvedBy string
}

const (
	ResolvedByCustomerID = "customer_id"
	ResolvedByMetadata   = "metadata"
)
