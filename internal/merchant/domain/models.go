package domain

import "time"

// Merchant is the storefront tenant row. Only the columns the billing flow reads or writes are mapped.
type Merchant struct {
	ID                    string    `gorm:"primaryKey;column:id" json:"id"`
	PolarCustomerID       *string   `gorm:"column:polar_customer_id" json:"polar_customer_id"`
	PolarSubscriptionID   *string   `gorm:"column:polar_subscription_id" json:"polar_subscription_id"`
	SubscriptionPlan      *string   `gorm:"column:subscription_plan" json:"subscription_plan"`
	SubscriptionStatus    *string   `gorm:"column:subscription_status" json:"subscription_status"`
	SubscriptionStartedAt *string   `gorm:"column:subscription_started_at" json:"subscription_started_at"`
	SubscriptionExpiresAt *string   `gorm:"column:subscription_expires_at" json:"subscription_expires_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Merchant) TableName() string {
	return "merchants"
}

// SubscriptionUpdate is written in a single statement. An empty PolarCustomerID keeps the stored link.
type SubscriptionUpdate struct {
	MerchantID          string
	PolarSubscriptionID string
	PolarCustomerID     string
	Plan                string
	Status              string
	StartedAt           *string
	ExpiresAt           *string
	UpdatedAt           time.Time
}

// Subscription is the read model shown in the admin UI.
type Subscription struct {
	MerchantID          string     `json:"merchant_id"`
	PolarCustomerID     string     `json:"polar_customer_id,omitempty"`
	PolarSubscriptionID string     `json:"polar_subscription_id,omitempty"`
	Plan                string     `json:"plan,omitempty"`
	Status              string     `json:"status,omitempty"`
	StartedAt           string     `json:"started_at,omitempty"`
	ExpiresAt           string     `json:"expires_at,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}
