package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/presenq/billing/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (domain.Repository, *gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Plan{}, &domain.Subscription{}, &domain.Payment{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(db, node), db, node
}

func TestGetPlanByCode(t *testing.T) {
	repo, db, node := newTestRepo(t)
	require.NoError(t, db.Create(&domain.Plan{ID: node.Generate(), Code: "PRO_MENSAL", Name: "Pro", Currency: "BRL", Active: true}).Error)

	plan, err := repo.GetPlanByCode(context.Background(), "PRO_MENSAL")
	require.NoError(t, err)
	assert.Equal(t, "Pro", plan.Name)

	_, err = repo.GetPlanByCode(context.Background(), "ENTERPRISE")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestFindLatestSubscription(t *testing.T) {
	repo, db, node := newTestRepo(t)
	userID := "user-1"
	planID := node.Generate()
	now := time.Now().UTC()

	sub, err := repo.FindLatestSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, sub)

	older := &domain.Subscription{
		ID: node.Generate(), UserID: userID, PlanID: planID,
		Status: domain.SubscriptionStatusActive, CurrentPeriodStart: now, CurrentPeriodEnd: now,
		CreatedAt: now.Add(-48 * time.Hour),
	}
	newest := &domain.Subscription{
		ID: node.Generate(), UserID: userID, PlanID: planID,
		Status: domain.SubscriptionStatusCanceled, CurrentPeriodStart: now, CurrentPeriodEnd: now,
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newest).Error)

	sub, err = repo.FindLatestSubscription(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, newest.ID, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusCanceled, sub.Status)

	sub, err = repo.FindLatestSubscription(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestUpdateSubscriptionMissingRow(t *testing.T) {
	repo, _, node := newTestRepo(t)

	_, err := repo.UpdateSubscription(context.Background(), &domain.Subscription{
		ID:     node.Generate(),
		Status: domain.SubscriptionStatusActive,
	})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestUpsertPaymentKeepsEarlierIdentifiers(t *testing.T) {
	repo, db, node := newTestRepo(t)
	subID := node.Generate()
	require.NoError(t, db.Create(&domain.Subscription{
		ID: subID, UserID: "user-1", PlanID: node.Generate(),
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: time.Now().UTC(), CurrentPeriodEnd: time.Now().UTC(),
	}).Error)

	orderID := "555"
	reference := "user:abc|plan:PRO"
	first, err := repo.UpsertPayment(context.Background(), &domain.Payment{
		SubscriptionID:    subID,
		Provider:          "mercadopago",
		MpPaymentID:       "pay-1",
		MpMerchantOrderID: &orderID,
		Amount:            49.9,
		Currency:          "BRL",
		Status:            "pending",
		ExternalReference: &reference,
	})
	require.NoError(t, err)

	paidAt := time.Now().UTC().Truncate(time.Second)
	second, err := repo.UpsertPayment(context.Background(), &domain.Payment{
		SubscriptionID: subID,
		Provider:       "mercadopago",
		MpPaymentID:    "pay-1",
		Amount:         49.9,
		Currency:       "BRL",
		Status:         "approved",
		PaidAt:         &paidAt,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "approved", second.Status)
	require.NotNil(t, second.PaidAt)
	require.NotNil(t, second.MpMerchantOrderID)
	assert.Equal(t, orderID, *second.MpMerchantOrderID)
	require.NotNil(t, second.ExternalReference)
	assert.Equal(t, reference, *second.ExternalReference)

	var count int64
	require.NoError(t, db.Model(&domain.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
