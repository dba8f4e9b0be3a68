// Package service reconciles MercadoPago notifications into plans,
// subscriptions and payments.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/presenq/billing/internal/billing/domain"
	"github.com/presenq/billing/internal/mercadopago"
	"github.com/presenq/billing/pkg/records"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ReconcileStatus says whether a message changed billing state.
type ReconcileStatus string

const (
	ReconcileProcessed ReconcileStatus = "processed"
	ReconcileIgnored   ReconcileStatus = "ignored"
)

// Processing failures that should go through the retry path.
var (
	ErrMissingCheckoutMetadata = errors.New("missing checkout metadata")
	ErrMissingPaymentAmount    = errors.New("missing payment amount")
	ErrSubscriptionUnresolved  = errors.New("subscription unresolved")
)

// ReconcileResult reports what a message resolved to. Reason is set on the
// ignored paths only.
type ReconcileResult struct {
	Status         ReconcileStatus
	Reason         string
	PaymentID      string
	PaymentStatus  string
	UserID         string
	PlanCode       string
	SubscriptionID snowflake.ID
}

type ReconcileParams struct {
	fx.In

	API  mercadopago.API
	Repo domain.Repository
	Log  *zap.Logger
}

// ReconcileService resolves a notification to its payment via the MercadoPago
// API and applies the outcome to the subscription tables.
type ReconcileService struct {
	api  mercadopago.API
	repo domain.Repository
	log  *zap.Logger
}

func NewReconcileService(p ReconcileParams) *ReconcileService {
	return &ReconcileService{
		api:  p.API,
		repo: p.Repo,
		log:  p.Log.Named("billing.reconcile"),
	}
}

// paymentDetails is the fully resolved payment regardless of which topic
// carried the notification.
type paymentDetails struct {
	payment           records.Record
	paymentID         string
	merchantOrderID   string
	externalReference string
}

func (s *ReconcileService) Execute(ctx context.Context, message records.Record) (*ReconcileResult, error) {
	payload := resolveMessagePayload(message)

	topic, _ := records.AsString(message["topic"])
	if topic == "" {
		if v, ok := records.AsString(payload["topic"]); ok {
			topic = v
		} else if v, ok := records.AsString(payload["type"]); ok {
			topic = v
		}
	}
	action, _ := records.AsString(message["action"])
	if action == "" {
		action, _ = records.AsString(payload["action"])
	}

	eventType := resolveEventType(topic, action)
	if eventType == "unknown" {
		return &ReconcileResult{Status: ReconcileIgnored, Reason: "unsupported_topic"}, nil
	}

	var details *paymentDetails
	var err error
	if eventType == "merchant_order" {
		details, err = s.resolvePaymentFromMerchantOrder(ctx, payload)
	} else {
		details, err = s.resolvePaymentFromNotification(ctx, payload)
	}
	if err != nil {
		return nil, err
	}
	if details == nil {
		return &ReconcileResult{Status: ReconcileIgnored, Reason: "payment_not_found"}, nil
	}

	payment := details.payment
	paymentStatus, ok := records.AsString(payment["status"])
	if !ok {
		paymentStatus = "unknown"
	}
	externalReference, ok := records.AsString(payment["external_reference"])
	if !ok {
		externalReference = details.externalReference
	}

	userID, planCode := resolveCheckoutMetadata(payment["metadata"], externalReference)
	if userID == "" || planCode == "" {
		return nil, ErrMissingCheckoutMetadata
	}

	plan, err := s.repo.GetPlanByCode(ctx, planCode)
	if err != nil {
		if errors.Is(err, domain.ErrPlanNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, planCode)
		}
		return nil, err
	}

	amount, ok := resolvePaymentAmount(payment)
	if !ok {
		return nil, ErrMissingPaymentAmount
	}

	currency, ok := records.AsString(payment["currency_id"])
	if !ok {
		if currency, ok = records.AsString(payment["transaction_currency_id"]); !ok {
			currency = "BRL"
		}
	}

	var paidAt *time.Time
	if paymentStatus == "approved" {
		value, found := payment["date_approved"]
		if !found || value == nil {
			value = payment["date_created"]
		}
		paidAt = parseDate(value)
	}

	now := time.Now().UTC()
	periodStart := now
	periodEnd := buildPeriodEnd(planCode, now)

	existing, err := s.repo.FindLatestSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	canUpdate := existing != nil && existing.Status.Renewable()

	subscription := existing
	if paymentStatus == "approved" {
		if canUpdate {
			existing.PlanID = plan.ID
			existing.Status = domain.SubscriptionStatusActive
			existing.TrialEndsAt = nil
			existing.CurrentPeriodStart = periodStart
			existing.CurrentPeriodEnd = periodEnd
			subscription, err = s.repo.UpdateSubscription(ctx, existing)
		} else {
			subscription, err = s.repo.CreateSubscription(ctx, &domain.Subscription{
				UserID:             userID,
				PlanID:             plan.ID,
				Status:             domain.SubscriptionStatusActive,
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
			})
		}
		if err != nil {
			return nil, err
		}
	} else if !canUpdate {
		s.log.Info("payment not approved",
			zap.String("payment_id", details.paymentID),
			zap.String("status", paymentStatus),
			zap.String("user_id", userID))
		return &ReconcileResult{
			Status:        ReconcileIgnored,
			Reason:        "payment_status_" + paymentStatus,
			PaymentID:     details.paymentID,
			PaymentStatus: paymentStatus,
		}, nil
	}

	if subscription == nil {
		return nil, ErrSubscriptionUnresolved
	}

	merchantOrderID := details.merchantOrderID
	if merchantOrderID == "" {
		merchantOrderID = resolveMerchantOrderIDFromPayment(payment)
	}

	raw, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.UpsertPayment(ctx, &domain.Payment{
		SubscriptionID:    subscription.ID,
		Provider:          "mercadopago",
		MpPaymentID:       details.paymentID,
		MpMerchantOrderID: optional(merchantOrderID),
		Amount:            amount,
		Currency:          currency,
		Status:            paymentStatus,
		PaidAt:            paidAt,
		ExternalReference: optional(externalReference),
		Raw:               datatypes.JSON(raw),
	}); err != nil {
		return nil, err
	}

	return &ReconcileResult{
		Status:         ReconcileProcessed,
		PaymentID:      details.paymentID,
		PaymentStatus:  paymentStatus,
		UserID:         userID,
		PlanCode:       planCode,
		SubscriptionID: subscription.ID,
	}, nil
}

func (s *ReconcileService) resolvePaymentFromNotification(ctx context.Context, payload records.Record) (*paymentDetails, error) {
	paymentID := resolvePaymentID(payload)
	if paymentID == "" {
		return nil, nil
	}

	payment, err := s.api.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	externalReference, _ := records.AsString(payment["external_reference"])
	return &paymentDetails{
		payment:           payment,
		paymentID:         paymentID,
		merchantOrderID:   resolveMerchantOrderIDFromPayment(payment),
		externalReference: externalReference,
	}, nil
}

func (s *ReconcileService) resolvePaymentFromMerchantOrder(ctx context.Context, payload records.Record) (*paymentDetails, error) {
	resource, ok := records.AsString(payload["resource"])
	if !ok {
		nested, found := payload.GetNested("data", "id")
		if !found {
			return nil, nil
		}
		if resource, ok = records.AsString(nested); !ok {
			return nil, nil
		}
	}

	order, err := s.api.GetMerchantOrder(ctx, resource)
	if err != nil {
		return nil, err
	}

	merchantOrderID, ok := records.AsString(order["id"])
	if !ok {
		merchantOrderID = extractResourceID(resource)
	}
	paymentID := resolvePaymentIDFromOrder(order)
	if paymentID == "" {
		return nil, nil
	}

	payment, err := s.api.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	externalReference, ok := records.AsString(payment["external_reference"])
	if !ok {
		externalReference, _ = records.AsString(order["external_reference"])
	}
	return &paymentDetails{
		payment:           payment,
		paymentID:         paymentID,
		merchantOrderID:   merchantOrderID,
		externalReference: externalReference,
	}, nil
}

func resolveMessagePayload(message records.Record) records.Record {
	if data, ok := records.IsRecord(message["data"]); ok {
		return data
	}
	return message
}

func resolveEventType(topic, action string) string {
	candidate := strings.ToLower(topic + ":" + action)
	if strings.Contains(candidate, "merchant_order") {
		return "merchant_order"
	}
	if strings.Contains(candidate, "payment") {
		return "payment"
	}
	return "unknown"
}

func resolvePaymentID(payload records.Record) string {
	if nested, ok := payload.GetNested("data", "id"); ok {
		if candidate, ok := records.AsString(nested); ok {
			return extractResourceID(candidate)
		}
	}
	if candidate, ok := records.AsString(payload["resource"]); ok {
		return extractResourceID(candidate)
	}
	return ""
}

// resolvePaymentIDFromOrder prefers the approved payment; a pending order
// still resolves to its first payment entry.
func resolvePaymentIDFromOrder(order records.Record) string {
	payments, ok := order["payments"].([]any)
	if !ok {
		return ""
	}

	var first records.Record
	for _, entry := range payments {
		item, ok := records.IsRecord(entry)
		if !ok {
			continue
		}
		if status, ok := records.AsString(item["status"]); ok && status == "approved" {
			id, _ := records.AsString(item["id"])
			return extractResourceID(id)
		}
		if first == nil {
			first = item
		}
	}
	if first == nil {
		return ""
	}
	id, _ := records.AsString(first["id"])
	return extractResourceID(id)
}

func resolveMerchantOrderIDFromPayment(payment records.Record) string {
	orderID, ok := records.AsString(payment["order_id"])
	if !ok {
		if nested, found := payment.GetNested("order", "id"); found {
			orderID, _ = records.AsString(nested)
		}
	}
	return extractResourceID(orderID)
}

// resolveCheckoutMetadata pulls the buyer and plan out of payment metadata,
// falling back to the pipe-delimited external reference. The user id must be
// a UUID or it is discarded.
func resolveCheckoutMetadata(metadata any, externalReference string) (string, string) {
	meta, _ := records.IsRecord(metadata)
	refUserID, refPlanCode := parseExternalReference(externalReference)

	userID := firstString(meta, "userId", "user_id", "user")
	if userID == "" {
		userID = refUserID
	}
	planCode := firstString(meta, "planCode", "plan_code", "plan")
	if planCode == "" {
		planCode = refPlanCode
	}

	if !isUUID(userID) {
		userID = ""
	}
	if planCode != "" {
		planCode = strings.ToUpper(strings.TrimSpace(planCode))
	}
	return userID, planCode
}

func firstString(meta records.Record, keys ...string) string {
	if meta == nil {
		return ""
	}
	for _, key := range keys {
		if value, ok := records.AsString(meta[key]); ok {
			return value
		}
	}
	return ""
}

func resolvePaymentAmount(payment records.Record) (float64, bool) {
	if amount, ok := records.AsNumber(payment["transaction_amount"]); ok {
		return amount, true
	}
	if nested, found := payment.GetNested("transaction_details", "total_paid_amount"); found {
		if amount, ok := records.AsNumber(nested); ok {
			return amount, true
		}
	}
	return records.AsNumber(payment["total_paid_amount"])
}

func buildPeriodEnd(planCode string, start time.Time) time.Time {
	if strings.HasSuffix(strings.ToUpper(planCode), "_ANUAL") {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// parseExternalReference decodes "user:<uuid>|plan:<code>" style references.
func parseExternalReference(value string) (string, string) {
	if value == "" {
		return "", ""
	}

	var userID, planCode string
	for _, part := range strings.Split(value, "|") {
		key, rest, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		normalizedKey := strings.ToLower(strings.TrimSpace(key))
		normalizedValue := strings.TrimSpace(rest)
		if normalizedValue == "" {
			continue
		}

		switch normalizedKey {
		case "user", "user_id", "userid":
			userID = normalizedValue
		case "plan", "plan_code", "plancode":
			planCode = strings.ToUpper(normalizedValue)
		}
	}
	return userID, planCode
}

// extractResourceID reduces an id or resource URL to its last path segment.
func extractResourceID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(trimmed), "http://") ||
		strings.HasPrefix(strings.ToLower(trimmed), "https://") {
		if parsed, err := url.Parse(trimmed); err == nil {
			return lastSegment(parsed.Path)
		}
	}
	return lastSegment(trimmed)
}

func lastSegment(value string) string {
	cleaned, _, _ := strings.Cut(value, "?")
	parts := strings.Split(cleaned, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// isUUID accepts only the canonical hyphenated RFC 4122 v1-v5 form. Stricter
// than uuid.Parse, which also takes braced, urn-prefixed and unhyphenated
// inputs that checkout metadata never carries.
func isUUID(value string) bool {
	return uuidPattern.MatchString(strings.ToLower(value))
}

func parseDate(value any) *time.Time {
	text, ok := records.AsString(value)
	if !ok {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-07:00"} {
		if parsed, err := time.Parse(layout, text); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
