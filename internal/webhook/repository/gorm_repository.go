// Package repository provides the relational and Supabase-backed
// implementations of the webhook event store port.
package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	"gorm.io/gorm"
)

type gormRepo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// NewGorm builds the relational event store. All statements go through gorm
// bindings; no SQL is assembled from request data.
func NewGorm(db *gorm.DB, genID *snowflake.Node) webhookdomain.Repository {
	return &gormRepo{db: db, genID: genID}
}

func (r *gormRepo) FindByEventID(ctx context.Context, eventID string) (*webhookdomain.Event, error) {
	var event webhookdomain.Event
	err := r.db.WithContext(ctx).
		Where("mercadopago_event_id = ?", eventID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepo) Create(ctx context.Context, event *webhookdomain.Event) (*webhookdomain.Event, error) {
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, webhookdomain.ErrDuplicateEvent
		}
		return nil, err
	}
	return event, nil
}

func (r *gormRepo) UpdateStatusByEventID(ctx context.Context, eventID string, update webhookdomain.StatusUpdate) (*webhookdomain.Event, error) {
	assignments := map[string]any{}
	if update.Status != nil {
		assignments["status"] = *update.Status
	}
	if update.ClearLastError {
		assignments["last_error"] = nil
	} else if update.LastError != nil {
		assignments["last_error"] = *update.LastError
	}
	if update.IncrementAttempts {
		assignments["process_attempts"] = gorm.Expr("process_attempts + 1")
	}

	if len(assignments) == 0 {
		existing, err := r.FindByEventID(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, webhookdomain.ErrEventNotFound
		}
		return existing, nil
	}

	result := r.db.WithContext(ctx).
		Model(&webhookdomain.Event{}).
		Where("mercadopago_event_id = ?", eventID).
		Updates(assignments)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, webhookdomain.ErrEventNotFound
	}

	return r.FindByEventID(ctx, eventID)
}

func (r *gormRepo) ListFailed(ctx context.Context, limit int) ([]webhookdomain.Event, error) {
	var events []webhookdomain.Event
	err := r.db.WithContext(ctx).
		Where("status = ?", webhookdomain.StatusFailed).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
