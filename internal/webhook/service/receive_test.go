package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/presenq/billing/internal/mq"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	"github.com/presenq/billing/internal/webhook/repository"
	"github.com/presenq/billing/pkg/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakePublisher struct {
	inputs    []mq.PublishInput
	failWith  string
	failCount int
}

func (f *fakePublisher) Publish(_ context.Context, input mq.PublishInput) mq.PublishResult {
	f.inputs = append(f.inputs, input)
	if f.failWith != "" && (f.failCount == 0 || len(f.inputs) <= f.failCount) {
		return mq.PublishResult{Published: false, MessageID: input.MessageID, Error: f.failWith}
	}
	return mq.PublishResult{Published: true, MessageID: input.MessageID}
}

func testMqConfig() mq.Config {
	return mq.Config{
		Exchange:      "mercadopago.events",
		DLX:           "mercadopago.dlx",
		DLQRoutingKey: "dlq",
		RetryQueues: []mq.RetryQueue{
			{Name: "mercadopago.events.retry.10s", TTLMs: 10000, RoutingKey: "retry.10s"},
		},
		MaxAttempts: 5,
	}
}

func newReceiveFixture(t *testing.T, publisher mq.Publisher) (*ReceiveService, webhookdomain.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&webhookdomain.Event{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := repository.NewGorm(db, node)
	svc := NewReceiveService(ReceiveParams{
		Repo:      repo,
		Publisher: publisher,
		MqCfg:     testMqConfig(),
		Log:       zap.NewNop(),
	})
	return svc, repo
}

func paymentNotification(id string) records.Record {
	return records.Record{
		"id":     id,
		"type":   "payment",
		"action": "payment.created",
		"data":   map[string]any{"id": "res-1"},
	}
}

func TestReceive_PublishesAndMarksProcessed(t *testing.T) {
	publisher := &fakePublisher{}
	svc, _ := newReceiveFixture(t, publisher)

	out, err := svc.Execute(context.Background(), ReceiveInput{
		Payload:   paymentNotification("evt-1"),
		Headers:   records.Record{"x-request-id": "req-1"},
		RequestID: "req-1",
	})
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.True(t, out.Published)
	assert.Equal(t, webhookdomain.StatusProcessed, out.Status)
	assert.Equal(t, 0, out.Event.ProcessAttempts)
	assert.Nil(t, out.Event.LastError)

	require.Len(t, publisher.inputs, 1)
	input := publisher.inputs[0]
	assert.Equal(t, "mercadopago.events", input.Exchange)
	assert.Equal(t, "mercadopago.payment.created", input.RoutingKey)
	assert.Equal(t, "evt-1", input.MessageID)
	assert.Equal(t, "req-1", input.CorrelationID)
}

func TestReceive_DuplicateIsIdempotent(t *testing.T) {
	publisher := &fakePublisher{}
	svc, _ := newReceiveFixture(t, publisher)
	ctx := context.Background()

	first, err := svc.Execute(ctx, ReceiveInput{Payload: paymentNotification("evt-1")})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.Execute(ctx, ReceiveInput{Payload: paymentNotification("evt-1")})
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.False(t, second.Published)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Len(t, publisher.inputs, 1)
}

// racingRepo simulates losing a first-delivery insert race: the dedupe lookup
// misses once, then the insert hits the unique constraint left by the winner.
type racingRepo struct {
	webhookdomain.Repository
	missedLookup bool
}

func (r *racingRepo) FindByEventID(ctx context.Context, eventID string) (*webhookdomain.Event, error) {
	if !r.missedLookup {
		r.missedLookup = true
		return nil, nil
	}
	return r.Repository.FindByEventID(ctx, eventID)
}

func (r *racingRepo) Create(context.Context, *webhookdomain.Event) (*webhookdomain.Event, error) {
	return nil, webhookdomain.ErrDuplicateEvent
}

func TestReceive_LostInsertRaceResolvesToWinner(t *testing.T) {
	publisher := &fakePublisher{}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&webhookdomain.Event{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	inner := repository.NewGorm(db, node)

	winner, err := inner.Create(context.Background(), &webhookdomain.Event{
		MercadopagoEventID: "evt-1",
		Status:             webhookdomain.StatusProcessed,
		ReceivedAt:         time.Now().UTC(),
	})
	require.NoError(t, err)

	svc := NewReceiveService(ReceiveParams{
		Repo:      &racingRepo{Repository: inner},
		Publisher: publisher,
		MqCfg:     testMqConfig(),
		Log:       zap.NewNop(),
	})

	out, err := svc.Execute(context.Background(), ReceiveInput{
		Payload: paymentNotification("evt-1"),
	})
	require.NoError(t, err)

	assert.False(t, out.Created)
	assert.False(t, out.Published)
	assert.Equal(t, winner.ID, out.Event.ID)
	assert.Equal(t, webhookdomain.StatusProcessed, out.Status)
	assert.Empty(t, publisher.inputs)
}

func TestReceive_MissingEventID(t *testing.T) {
	svc, _ := newReceiveFixture(t, &fakePublisher{})

	_, err := svc.Execute(context.Background(), ReceiveInput{
		Payload: records.Record{"type": "payment"},
	})
	assert.ErrorIs(t, err, webhookdomain.ErrMissingEventID)
}

func TestReceive_PublishFailureMarksFailed(t *testing.T) {
	publisher := &fakePublisher{failWith: "broker_nack"}
	svc, repo := newReceiveFixture(t, publisher)

	out, err := svc.Execute(context.Background(), ReceiveInput{
		Payload: paymentNotification("evt-1"),
	})
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.False(t, out.Published)
	assert.Equal(t, webhookdomain.StatusFailed, out.Status)
	assert.Equal(t, 1, out.Event.ProcessAttempts)
	require.NotNil(t, out.Event.LastError)
	assert.Equal(t, "broker_nack", *out.Event.LastError)

	stored, err := repo.FindByEventID(context.Background(), "evt-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, webhookdomain.StatusFailed, stored.Status)
}

func TestReceive_EventIDFallsBackToResourceID(t *testing.T) {
	publisher := &fakePublisher{}
	svc, _ := newReceiveFixture(t, publisher)

	out, err := svc.Execute(context.Background(), ReceiveInput{
		Payload: records.Record{
			"type": "payment",
			"data": map[string]any{"id": "res-77"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "res-77", out.Event.MercadopagoEventID)
}

func TestSanitizeError(t *testing.T) {
	assert.Equal(t, "a b c", sanitizeError("  a \n\n b\t c  "))

	long := strings.Repeat("x", 600)
	assert.Len(t, sanitizeError(long), 500)
	assert.Empty(t, sanitizeError("   "))
}
