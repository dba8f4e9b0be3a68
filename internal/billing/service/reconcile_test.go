package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/presenq/billing/internal/billing/domain"
	billingrepo "github.com/presenq/billing/internal/billing/repository"
	"github.com/presenq/billing/internal/mercadopago"
	"github.com/presenq/billing/pkg/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUserID = "5f2b4c1e-9d3a-4f6b-8a7c-112233445566"

type fakeAPI struct {
	payments     map[string]records.Record
	orders       map[string]records.Record
	paymentCalls []string
	orderCalls   []string
}

func (f *fakeAPI) GetPayment(_ context.Context, id string) (records.Record, error) {
	f.paymentCalls = append(f.paymentCalls, id)
	payment, ok := f.payments[id]
	if !ok {
		return nil, &mercadopago.APIError{Status: 404, Body: "payment not found"}
	}
	return payment, nil
}

func (f *fakeAPI) GetMerchantOrder(_ context.Context, resource string) (records.Record, error) {
	f.orderCalls = append(f.orderCalls, resource)
	order, ok := f.orders[resource]
	if !ok {
		return nil, &mercadopago.APIError{Status: 404, Body: "order not found"}
	}
	return order, nil
}

func (f *fakeAPI) CreateSubscription(context.Context, records.Record) (records.Record, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAPI) UpdateSubscription(context.Context, string, records.Record) (records.Record, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAPI) CreatePixPayment(context.Context, records.Record, string) (records.Record, error) {
	return nil, errors.New("not supported")
}

type reconcileFixture struct {
	svc  *ReconcileService
	repo domain.Repository
	api  *fakeAPI
	db   *gorm.DB
	node *snowflake.Node
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Plan{}, &domain.Subscription{}, &domain.Payment{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	for _, code := range []string{"PRO_MENSAL", "PRO_ANUAL"} {
		require.NoError(t, db.Create(&domain.Plan{
			ID:       node.Generate(),
			Code:     code,
			Name:     code,
			Currency: "BRL",
			Active:   true,
		}).Error)
	}

	api := &fakeAPI{payments: map[string]records.Record{}, orders: map[string]records.Record{}}
	repo := billingrepo.New(db, node)
	svc := NewReconcileService(ReconcileParams{API: api, Repo: repo, Log: zap.NewNop()})
	return &reconcileFixture{svc: svc, repo: repo, api: api, db: db, node: node}
}

func approvedPayment(planCode string) records.Record {
	return records.Record{
		"id":                 123456,
		"status":             "approved",
		"transaction_amount": 49.9,
		"currency_id":        "BRL",
		"date_approved":      "2026-01-05T10:00:00.000-03:00",
		"metadata": map[string]any{
			"user_id":   testUserID,
			"plan_code": planCode,
		},
	}
}

func paymentMessage(paymentID string) records.Record {
	return records.Record{
		"topic":  "payment",
		"action": "payment.created",
		"data":   records.Record{"data": map[string]any{"id": paymentID}},
	}
}

func TestReconcile_ApprovedPaymentCreatesSubscription(t *testing.T) {
	f := newReconcileFixture(t)
	f.api.payments["123456"] = approvedPayment("PRO_MENSAL")

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileProcessed, result.Status)
	assert.Equal(t, "123456", result.PaymentID)
	assert.Equal(t, "approved", result.PaymentStatus)
	assert.Equal(t, testUserID, result.UserID)
	assert.Equal(t, "PRO_MENSAL", result.PlanCode)

	var sub domain.Subscription
	require.NoError(t, f.db.Where("user_id = ?", testUserID).First(&sub).Error)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEndsAt)
	assert.WithinDuration(t, sub.CurrentPeriodStart.AddDate(0, 1, 0), sub.CurrentPeriodEnd, time.Second)

	var payment domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "123456").First(&payment).Error)
	assert.Equal(t, sub.ID, payment.SubscriptionID)
	assert.Equal(t, "mercadopago", payment.Provider)
	assert.Equal(t, 49.9, payment.Amount)
	require.NotNil(t, payment.PaidAt)
	assert.Equal(t, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), payment.PaidAt.UTC())
}

func TestReconcile_AnnualPlanExtendsPeriodOneYear(t *testing.T) {
	f := newReconcileFixture(t)
	f.api.payments["123456"] = approvedPayment("PRO_ANUAL")

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)
	require.Equal(t, ReconcileProcessed, result.Status)

	var sub domain.Subscription
	require.NoError(t, f.db.Where("user_id = ?", testUserID).First(&sub).Error)
	assert.WithinDuration(t, sub.CurrentPeriodStart.AddDate(1, 0, 0), sub.CurrentPeriodEnd, time.Second)
}

func TestReconcile_ApprovedPaymentRenewsExistingSubscription(t *testing.T) {
	f := newReconcileFixture(t)
	f.api.payments["123456"] = approvedPayment("PRO_MENSAL")

	trialEnd := time.Now().UTC().Add(48 * time.Hour)
	var trialPlan domain.Plan
	require.NoError(t, f.db.Where("code = ?", "PRO_ANUAL").First(&trialPlan).Error)
	existing := &domain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             testUserID,
		PlanID:             trialPlan.ID,
		Status:             domain.SubscriptionStatusTrial,
		TrialEndsAt:        &trialEnd,
		CurrentPeriodStart: time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd:   trialEnd,
	}
	require.NoError(t, f.db.Create(existing).Error)

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileProcessed, result.Status)
	assert.Equal(t, existing.ID, result.SubscriptionID)

	var stored domain.Subscription
	require.NoError(t, f.db.Where("id = ?", existing.ID).First(&stored).Error)
	assert.Equal(t, domain.SubscriptionStatusActive, stored.Status)
	assert.Nil(t, stored.TrialEndsAt)

	var monthlyPlan domain.Plan
	require.NoError(t, f.db.Where("code = ?", "PRO_MENSAL").First(&monthlyPlan).Error)
	assert.Equal(t, monthlyPlan.ID, stored.PlanID)
}

func TestReconcile_CanceledLatestSubscriptionGetsFreshRow(t *testing.T) {
	f := newReconcileFixture(t)
	f.api.payments["123456"] = approvedPayment("PRO_MENSAL")

	var plan domain.Plan
	require.NoError(t, f.db.Where("code = ?", "PRO_MENSAL").First(&plan).Error)
	now := time.Now().UTC()
	older := &domain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             testUserID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: now.Add(-48 * time.Hour),
		CurrentPeriodEnd:   now.Add(-24 * time.Hour),
		CreatedAt:          now.Add(-48 * time.Hour),
	}
	canceled := &domain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             testUserID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusCanceled,
		CurrentPeriodStart: now.Add(-2 * time.Hour),
		CurrentPeriodEnd:   now.Add(-time.Hour),
		CreatedAt:          now.Add(-time.Hour),
	}
	require.NoError(t, f.db.Create(older).Error)
	require.NoError(t, f.db.Create(canceled).Error)

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)
	require.Equal(t, ReconcileProcessed, result.Status)

	// The canceled row stays dead and the payment opens a new one.
	assert.NotEqual(t, older.ID, result.SubscriptionID)
	assert.NotEqual(t, canceled.ID, result.SubscriptionID)

	var count int64
	require.NoError(t, f.db.Model(&domain.Subscription{}).Where("user_id = ?", testUserID).Count(&count).Error)
	assert.EqualValues(t, 3, count)

	var stored domain.Subscription
	require.NoError(t, f.db.Where("id = ?", canceled.ID).First(&stored).Error)
	assert.Equal(t, domain.SubscriptionStatusCanceled, stored.Status)
}

func TestReconcile_PendingPaymentWithCanceledLatestIsIgnored(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	payment["status"] = "pending"
	f.api.payments["123456"] = payment

	var plan domain.Plan
	require.NoError(t, f.db.Where("code = ?", "PRO_MENSAL").First(&plan).Error)
	require.NoError(t, f.db.Create(&domain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             testUserID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusCanceled,
		CurrentPeriodStart: time.Now().UTC().Add(-2 * time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(-time.Hour),
	}).Error)

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileIgnored, result.Status)
	assert.Equal(t, "payment_status_pending", result.Reason)
}

func TestReconcile_PendingPaymentWithoutSubscriptionIsIgnored(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	payment["status"] = "pending"
	f.api.payments["123456"] = payment

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileIgnored, result.Status)
	assert.Equal(t, "payment_status_pending", result.Reason)

	var count int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReconcile_RejectedPaymentRecordedAgainstExistingSubscription(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	payment["status"] = "rejected"
	f.api.payments["123456"] = payment

	var plan domain.Plan
	require.NoError(t, f.db.Where("code = ?", "PRO_MENSAL").First(&plan).Error)
	existing := &domain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             testUserID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd:   time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, f.db.Create(existing).Error)

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileProcessed, result.Status)
	assert.Equal(t, "rejected", result.PaymentStatus)

	var stored domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "123456").First(&stored).Error)
	assert.Equal(t, existing.ID, stored.SubscriptionID)
	assert.Equal(t, "rejected", stored.Status)
	assert.Nil(t, stored.PaidAt)

	var sub domain.Subscription
	require.NoError(t, f.db.Where("id = ?", existing.ID).First(&sub).Error)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
}

func TestReconcile_MerchantOrderResolvesApprovedPayment(t *testing.T) {
	f := newReconcileFixture(t)
	resource := "https://api.mercadolibre.com/merchant_orders/555"
	f.api.orders[resource] = records.Record{
		"id": 555,
		"payments": []any{
			map[string]any{"id": 111, "status": "rejected"},
			map[string]any{"id": 222, "status": "approved"},
		},
	}
	f.api.payments["222"] = approvedPayment("PRO_MENSAL")

	message := records.Record{
		"topic": "merchant_order",
		"data":  records.Record{"resource": resource},
	}
	result, err := f.svc.Execute(context.Background(), message)
	require.NoError(t, err)

	assert.Equal(t, ReconcileProcessed, result.Status)
	assert.Equal(t, "222", result.PaymentID)
	require.Equal(t, []string{resource}, f.api.orderCalls)

	var stored domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "222").First(&stored).Error)
	require.NotNil(t, stored.MpMerchantOrderID)
	assert.Equal(t, "555", *stored.MpMerchantOrderID)
}

func TestReconcile_ExternalReferenceFallback(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	delete(payment, "metadata")
	payment["external_reference"] = "user:" + testUserID + "|plan:pro_mensal"
	f.api.payments["123456"] = payment

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)

	assert.Equal(t, ReconcileProcessed, result.Status)
	assert.Equal(t, testUserID, result.UserID)
	assert.Equal(t, "PRO_MENSAL", result.PlanCode)

	var stored domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "123456").First(&stored).Error)
	require.NotNil(t, stored.ExternalReference)
	assert.Equal(t, "user:"+testUserID+"|plan:pro_mensal", *stored.ExternalReference)
}

func TestReconcile_MissingMetadataFails(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	delete(payment, "metadata")
	f.api.payments["123456"] = payment

	_, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	assert.ErrorIs(t, err, ErrMissingCheckoutMetadata)
}

func TestReconcile_InvalidUserIDFails(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	payment["metadata"] = map[string]any{"user_id": "not-a-uuid", "plan_code": "PRO_MENSAL"}
	f.api.payments["123456"] = payment

	_, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	assert.ErrorIs(t, err, ErrMissingCheckoutMetadata)
}

func TestIsUUIDAcceptsOnlyCanonicalForm(t *testing.T) {
	assert.True(t, isUUID(testUserID))
	assert.True(t, isUUID(strings.ToUpper(testUserID)))

	assert.False(t, isUUID("{"+testUserID+"}"))
	assert.False(t, isUUID("urn:uuid:"+testUserID))
	assert.False(t, isUUID(strings.ReplaceAll(testUserID, "-", "")))
	assert.False(t, isUUID("00000000-0000-0000-0000-000000000000"))
}

func TestReconcile_MissingAmountFails(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	delete(payment, "transaction_amount")
	f.api.payments["123456"] = payment

	_, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	assert.ErrorIs(t, err, ErrMissingPaymentAmount)
}

func TestReconcile_AmountFromTransactionDetails(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("PRO_MENSAL")
	delete(payment, "transaction_amount")
	payment["transaction_details"] = map[string]any{"total_paid_amount": 99.5}
	f.api.payments["123456"] = payment

	result, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)
	require.Equal(t, ReconcileProcessed, result.Status)

	var stored domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "123456").First(&stored).Error)
	assert.Equal(t, 99.5, stored.Amount)
}

func TestReconcile_UnknownPlanFails(t *testing.T) {
	f := newReconcileFixture(t)
	payment := approvedPayment("ENTERPRISE")
	f.api.payments["123456"] = payment

	_, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestReconcile_UnsupportedTopicIgnored(t *testing.T) {
	f := newReconcileFixture(t)

	message := records.Record{
		"topic": "point_integration_wh",
		"data":  records.Record{"data": map[string]any{"id": "1"}},
	}
	result, err := f.svc.Execute(context.Background(), message)
	require.NoError(t, err)

	assert.Equal(t, ReconcileIgnored, result.Status)
	assert.Equal(t, "unsupported_topic", result.Reason)
	assert.Empty(t, f.api.paymentCalls)
}

func TestReconcile_NotificationWithoutPaymentIDIgnored(t *testing.T) {
	f := newReconcileFixture(t)

	message := records.Record{
		"topic": "payment",
		"data":  records.Record{"live_mode": true},
	}
	result, err := f.svc.Execute(context.Background(), message)
	require.NoError(t, err)

	assert.Equal(t, ReconcileIgnored, result.Status)
	assert.Equal(t, "payment_not_found", result.Reason)
}

func TestReconcile_UpstreamErrorPropagates(t *testing.T) {
	f := newReconcileFixture(t)

	_, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	var apiErr *mercadopago.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestReconcile_RepeatedNotificationUpdatesPayment(t *testing.T) {
	f := newReconcileFixture(t)
	initial := approvedPayment("PRO_MENSAL")
	initial["order_id"] = "777"
	f.api.payments["123456"] = initial

	first, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)
	require.Equal(t, ReconcileProcessed, first.Status)

	// A later notification without the order id must not erase it.
	replay := approvedPayment("PRO_MENSAL")
	replay["transaction_amount"] = 59.9
	f.api.payments["123456"] = replay

	second, err := f.svc.Execute(context.Background(), paymentMessage("123456"))
	require.NoError(t, err)
	require.Equal(t, ReconcileProcessed, second.Status)

	var count int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var stored domain.Payment
	require.NoError(t, f.db.Where("mp_payment_id = ?", "123456").First(&stored).Error)
	assert.Equal(t, 59.9, stored.Amount)
	require.NotNil(t, stored.MpMerchantOrderID)
	assert.Equal(t, "777", *stored.MpMerchantOrderID)
}
