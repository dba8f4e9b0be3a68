package domain

import "context"

// Repository is the persistence port for the billing tables.
type Repository interface {
	// GetPlanByCode returns ErrPlanNotFound when no plan carries the code.
	GetPlanByCode(ctx context.Context, code string) (*Plan, error)

	// FindLatestSubscription returns the user's most recently created
	// subscription regardless of status, or nil when there is none.
	FindLatestSubscription(ctx context.Context, userID string) (*Subscription, error)

	CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)

	// UpsertPayment inserts or refreshes a payment keyed by MpPaymentID.
	// Merchant order id and external reference survive an update that would
	// otherwise null them out.
	UpsertPayment(ctx context.Context, payment *Payment) (*Payment, error)
}
