package domain

import "context"

// StatusUpdate mutates a ledger row. All fields are optional; calling with
// none of them set is a plain read-back.
type StatusUpdate struct {
	Status            *Status
	LastError         *string
	ClearLastError    bool
	IncrementAttempts bool
}

// Repository is the webhook event store port. Implementations must enforce
// uniqueness of mercadopago_event_id and return ErrDuplicateEvent on
// violation, and must order ListFailed by received_at ascending.
type Repository interface {
	FindByEventID(ctx context.Context, eventID string) (*Event, error)
	Create(ctx context.Context, event *Event) (*Event, error)
	UpdateStatusByEventID(ctx context.Context, eventID string, update StatusUpdate) (*Event, error)
	ListFailed(ctx context.Context, limit int) ([]Event, error)
}
