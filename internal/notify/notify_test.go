package notify

import (
	"context"
	"testing"

	"giftcard-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))
	ctx := context.Background()

	require.NoError(t, n.NotifyFulfillment(ctx, &models.FulfillmentEvent{
		BaseEvent:        models.BaseEvent{EventID: "ev-1", EventType: models.EventTypeFulfillmentCompleted},
		IntentID:         "intent-1",
		Merchant:         "Flipkart",
		Amount:           decimal.NewFromInt(750),
		Currency:         "INR",
		InventoryUnitRef: "fk-1000",
	}))
	require.NoError(t, n.AlertUnmatchedPayment(ctx, &models.PaymentUnmatchedEvent{
		BaseEvent: models.BaseEvent{EventID: "ev-2", EventType: models.EventTypePaymentUnmatched},
		IntentID:  "intent-2",
		Reason:    models.UnmatchedReasonInventoryUnavailable,
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "fk-1000", entries[0].ContextMap()["inventory_unit_ref"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, models.UnmatchedReasonInventoryUnavailable, entries[1].ContextMap()["reason"])
}
