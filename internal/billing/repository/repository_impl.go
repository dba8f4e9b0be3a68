// Package repository provides the gorm persistence layer for billing data.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/presenq/billing/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func New(db *gorm.DB, genID *snowflake.Node) domain.Repository {
	return &repo{db: db, genID: genID}
}

func (r *repo) GetPlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	var plan domain.Plan
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindLatestSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	if sub.ID == 0 {
		sub.ID = r.genID.Generate()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *repo) UpdateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	sub.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"plan_id":              sub.PlanID,
			"status":               sub.Status,
			"trial_ends_at":        sub.TrialEndsAt,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"updated_at":           sub.UpdatedAt,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (r *repo) UpsertPayment(ctx context.Context, payment *domain.Payment) (*domain.Payment, error) {
	if payment.ID == 0 {
		payment.ID = r.genID.Generate()
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	// COALESCE keeps identifiers learned from an earlier notification when a
	// later one arrives without them. Works on both postgres and sqlite.
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mp_payment_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":               payment.Status,
			"paid_at":              payment.PaidAt,
			"amount":               payment.Amount,
			"currency":             payment.Currency,
			"mp_merchant_order_id": gorm.Expr("COALESCE(excluded.mp_merchant_order_id, subscription_payments.mp_merchant_order_id)"),
			"external_reference":   gorm.Expr("COALESCE(excluded.external_reference, subscription_payments.external_reference)"),
			"raw":                  payment.Raw,
			"updated_at":           payment.UpdatedAt,
		}),
	}).Create(payment).Error
	if err != nil {
		return nil, err
	}

	var stored domain.Payment
	if err := r.db.WithContext(ctx).
		Where("mp_payment_id = ?", payment.MpPaymentID).
		First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}
