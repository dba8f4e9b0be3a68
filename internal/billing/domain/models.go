// Package domain contains persistence models for plans, subscriptions and
// reconciled payments.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial    SubscriptionStatus = "trial"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// Renewable reports whether a payment renews this subscription in place.
// Anything else gets a fresh subscription row.
func (s SubscriptionStatus) Renewable() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	}
	return false
}

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Plan is a purchasable offering. Codes ending in "_ANUAL" bill yearly,
// everything else monthly.
type Plan struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Code       string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name       string       `gorm:"type:text;not null" json:"name"`
	PriceCents int64        `gorm:"not null;default:0" json:"price_cents"`
	Currency   string       `gorm:"type:text;not null;default:'BRL'" json:"currency"`
	Active     bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// Subscription ties a user to a plan for a billing period.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID             string             `gorm:"type:text;not null;index" json:"user_id"`
	PlanID             snowflake.ID       `gorm:"not null;index" json:"plan_id"`
	Status             SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	TrialEndsAt        *time.Time         `gorm:"" json:"trial_ends_at,omitempty"`
	CurrentPeriodStart time.Time          `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"not null" json:"current_period_end"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Payment mirrors a MercadoPago payment as observed through notifications.
// MpPaymentID is the idempotency key; the same payment may arrive via the
// payment topic and again inside a merchant order.
type Payment struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID    snowflake.ID   `gorm:"not null;index" json:"subscription_id"`
	Provider          string         `gorm:"type:text;not null;default:'mercadopago'" json:"provider"`
	MpPaymentID       string         `gorm:"type:text;not null;uniqueIndex" json:"mp_payment_id"`
	MpMerchantOrderID *string        `gorm:"type:text" json:"mp_merchant_order_id,omitempty"`
	Amount            float64        `gorm:"not null;default:0" json:"amount"`
	Currency          string         `gorm:"type:text;not null;default:'BRL'" json:"currency"`
	Status            string         `gorm:"type:text;not null" json:"status"`
	PaidAt            *time.Time     `gorm:"" json:"paid_at,omitempty"`
	ExternalReference *string        `gorm:"type:text" json:"external_reference,omitempty"`
	Raw               datatypes.JSON `gorm:"type:jsonb" json:"-"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "subscription_payments" }
