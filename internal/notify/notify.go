// Package notify is the boundary to the collaborator that delivers voucher
// details to buyers out of band.
package notify

import (
	"context"

	"giftcard-service/internal/models"

	"go.uber.org/zap"
)

// Notifier delivers a completed fulfillment. Implementations own delivery
// retries; returning an error leaves the event unacknowledged.
type Notifier interface {
	NotifyFulfillment(ctx context.Context, event *models.FulfillmentEvent) error
	AlertUnmatchedPayment(ctx context.Context, event *models.PaymentUnmatchedEvent) error
}

// LogNotifier records notifications in the structured log. Redemption
// details never pass through it.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyFulfillment(_ context.Context, event *models.FulfillmentEvent) error {
	n.logger.Info("Fulfillment ready for delivery",
		zap.String("event_id", event.EventID),
		zap.String("intent_id", event.IntentID),
		zap.String("buyer_ref", event.BuyerRef),
		zap.String("merchant", event.Merchant),
		zap.String("amount", event.Amount.String()),
		zap.String("currency", event.Currency),
		zap.String("inventory_unit_ref", event.InventoryUnitRef))
	return nil
}

func (n *LogNotifier) AlertUnmatchedPayment(_ context.Context, event *models.PaymentUnmatchedEvent) error {
	n.logger.Error("Unmatched payment requires operator remediation",
		zap.String("event_id", event.EventID),
		zap.String("intent_id", event.IntentID),
		zap.String("tx_hash", event.TxHash),
		zap.String("merchant", event.Merchant),
		zap.String("amount", event.Amount.String()),
		zap.String("currency", event.Currency),
		zap.String("reason", event.Reason))
	return nil
}
