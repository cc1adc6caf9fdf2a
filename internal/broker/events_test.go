package broker

import (
	"context"
	"testing"
	"time"

	"giftcard-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessPublisherRoutesByType(t *testing.T) {
	handler := NewEventHandler()

	var (
		fulfilled *models.FulfillmentEvent
		unmatched *models.PaymentUnmatchedEvent
	)
	handler.OnFulfillment(func(_ context.Context, e *models.FulfillmentEvent) error {
		fulfilled = e
		return nil
	})
	handler.OnUnmatchedPayment(func(_ context.Context, e *models.PaymentUnmatchedEvent) error {
		unmatched = e
		return nil
	})

	pub := NewInProcessPublisher(handler)
	ctx := context.Background()

	require.NoError(t, pub.PublishFulfillment(ctx, &models.FulfillmentEvent{
		BaseEvent:        models.BaseEvent{EventID: "e1", EventType: models.EventTypeFulfillmentCompleted, Timestamp: time.Now()},
		IntentID:         "i1",
		Merchant:         "Flipkart",
		Amount:           decimal.RequireFromString("750"),
		InventoryUnitRef: "u1",
	}))
	require.NotNil(t, fulfilled)
	assert.Equal(t, "u1", fulfilled.InventoryUnitRef)
	assert.True(t, fulfilled.Amount.Equal(decimal.RequireFromString("750")))

	require.NoError(t, pub.PublishUnmatchedPayment(ctx, &models.PaymentUnmatchedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypePaymentUnmatched, Timestamp: time.Now()},
		IntentID:  "i2",
		Reason:    models.UnmatchedReasonInventoryUnavailable,
	}))
	require.NotNil(t, unmatched)
	assert.Equal(t, "i2", unmatched.IntentID)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	handler := NewEventHandler()
	err := handler.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"SOMETHING_ELSE"}`)})
	assert.NoError(t, err)

	err = handler.HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)})
	assert.Error(t, err)
}
